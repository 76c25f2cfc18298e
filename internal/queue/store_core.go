package queue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"storyloom/internal/config"
)

// Store manages job persistence backed by SQLite or PostgreSQL.
type Store struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect dialect
	path    string
	retry   retryPolicy
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return config.DriverPostgres
	}
	return config.DriverSQLite
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// sqliteTimeLayout is fixed width so stored timestamps sort lexically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func (d dialect) timeArg(t time.Time) any {
	t = t.UTC()
	if d == dialectPostgres {
		return t
	}
	return t.Format(sqliteTimeLayout)
}

func (d dialect) nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

type retryPolicy struct {
	attempts  int
	initial   time.Duration
	max       time.Duration
	retryable func(error) bool
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	postgresRetryAttempts       = 3
	postgresRetryInitialBackoff = time.Second
	postgresRetryMaxBackoff     = 10 * time.Second
)

var (
	sqliteRetry   = retryPolicy{attempts: busyRetryAttempts, initial: busyRetryInitialBackoff, max: busyRetryMaxBackoff, retryable: isSQLiteBusy}
	postgresRetry = retryPolicy{attempts: postgresRetryAttempts, initial: postgresRetryInitialBackoff, max: postgresRetryMaxBackoff, retryable: isPostgresTransient}
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// isPostgresTransient matches connection loss, serialization failures and
// server restarts; constraint and syntax errors are never retried.
func isPostgresTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"):
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P03", pgErr.Code == "53300":
			return true
		}
		return false
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}

func (p retryPolicy) do(ctx context.Context, op func() error) error {
	delay := p.initial
	var lastErr error
	for attempt := 0; attempt < p.attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) || attempt == p.attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= p.max {
			delay = next
		} else {
			delay = p.max
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	query = s.dialect.rebind(query)
	var (
		res     sql.Result
		execErr error
	)
	if err := s.retry.do(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// execAffected runs a conditional update and returns the affected row count.
func (s *Store) execAffected(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// queryRow runs a single-row query; scan is retried together with the query
// because SQLite reports busy errors on the first step.
func (s *Store) queryRow(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	ctx = ensureContext(ctx)
	query = s.dialect.rebind(query)
	return s.retry.do(ctx, func() error {
		return scan(s.db.QueryRowContext(ctx, query, args...))
	})
}

// withTx runs fn inside a transaction, retrying the whole unit on transient
// errors.
func (s *Store) withTx(ctx context.Context, fn func(tx *txn) error) error {
	ctx = ensureContext(ctx)
	return s.retry.do(ctx, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = sqlTx.Rollback() }()
		if err := fn(&txn{tx: sqlTx, dialect: s.dialect}); err != nil {
			return err
		}
		return sqlTx.Commit()
	})
}

type txn struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *txn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *txn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}

// Open connects to the configured job store and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if cfg.Store.Driver == config.DriverPostgres {
		return OpenPostgres(context.Background(), cfg.Store.PostgresDSN, cfg.Store.MaxConns)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenSQLite(cfg.Store.SQLitePath)
}

// OpenSQLite opens the embedded job store at path. Pragmas are part of the
// DSN so every pooled connection carries them.
func OpenSQLite(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &Store{db: db, dialect: dialectSQLite, path: path, retry: sqliteRetry}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenPostgres connects a pgx pool, exposes it through database/sql and
// applies migrations. Connection failures are retried with backoff.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	ctx = ensureContext(ctx)
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := postgresRetry.do(ctx, func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{
		db:      stdlib.OpenDBFromPool(pool),
		pool:    pool,
		dialect: dialectPostgres,
		path:    poolCfg.ConnConfig.Database,
		retry:   postgresRetry,
	}
	if err := store.applyMigrations(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Driver reports the backend name ("sqlite" or "postgres").
func (s *Store) Driver() string {
	return s.dialect.String()
}

// Location returns the SQLite file path or the PostgreSQL database name.
func (s *Store) Location() string {
	return s.path
}

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("job store unavailable")
	}
	return s.db.PingContext(ensureContext(ctx))
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}
