package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// HealthSummary aggregates job counts for status output.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
}

// DatabaseHealth reports diagnostic information about the job store.
type DatabaseHealth struct {
	Driver         string
	Location       string
	Readable       bool
	TablesPresent  []string
	MissingTables  []string
	TotalJobs      int
	IntegrityCheck bool
	Error          string
}

// Health aggregates queue state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	return summarize(stats), nil
}

func summarize(stats map[Status]int) HealthSummary {
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPending:
			health.Pending += count
		case StatusProcessing:
			health.Processing += count
		case StatusCompleted:
			health.Completed += count
		case StatusFailed:
			health.Failed += count
		case StatusCancelled:
			health.Cancelled += count
		}
	}
	return health
}

// CheckHealth returns diagnostic information about the job store.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{
		Driver:   s.Driver(),
		Location: s.path,
	}
	if s.db == nil {
		return health, errors.New("job store connection unavailable")
	}

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping job store: %w", err)
	}
	health.Readable = true

	for _, table := range []string{"jobs", "stage_records", "schema_migrations"} {
		present, err := s.tableExists(connCtx, table)
		if err != nil {
			health.Error = err.Error()
			return health, err
		}
		if present {
			health.TablesPresent = append(health.TablesPresent, table)
		} else {
			health.MissingTables = append(health.MissingTables, table)
		}
	}

	if len(health.MissingTables) == 0 {
		row := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM jobs")
		if err := row.Scan(&health.TotalJobs); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("count jobs: %w", err)
		}
	}

	if s.dialect == dialectSQLite {
		var integrityResult string
		if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrityResult); err != nil {
			health.Error = err.Error()
			return health, fmt.Errorf("integrity check: %w", err)
		}
		health.IntegrityCheck = strings.EqualFold(integrityResult, "ok")
	} else {
		// PostgreSQL verifies pages itself; a successful query is the check.
		health.IntegrityCheck = true
	}

	return health, nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	query := "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?"
	if s.dialect == dialectPostgres {
		query = "SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	}
	var name string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(query), table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query table %s: %w", table, err)
	}
	return true, nil
}

// Truncate removes every job and stage record. Intended for tests against a
// shared PostgreSQL database.
func (s *Store) Truncate(ctx context.Context) error {
	query := "DELETE FROM jobs"
	if s.dialect == dialectPostgres {
		query = "TRUNCATE jobs, stage_records RESTART IDENTITY"
	}
	if _, err := s.execWithRetry(ctx, query); err != nil {
		return fmt.Errorf("truncate jobs: %w", err)
	}
	return nil
}
