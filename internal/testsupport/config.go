package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"storyloom/internal/config"
)

// PostgresDSNEnv names the variable that enables PostgreSQL-backed tests.
const PostgresDSNEnv = "STORYLOOM_TEST_POSTGRES_DSN"

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It uses the embedded SQLite store, the simulated executor and short
// workflow timings, then applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Store.Driver = config.DriverSQLite
	cfgVal.Store.SQLitePath = filepath.Join(base, "data", "queue.db")
	cfgVal.Executor.Mode = config.ExecutorSimulate
	cfgVal.Executor.RateLimit = 0
	cfgVal.Workflow.PollInterval = 1
	cfgVal.Workflow.ErrorRetryInterval = 1
	cfgVal.Workflow.StageRetryBackoffMS = 1
	cfgVal.Workflow.StageRetryMaxBackoffMS = 5
	cfgVal.Notifications.NtfyTopic = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithWorkers sets the worker pool size.
func WithWorkers(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.WorkerCount = n
	}
}

// WithStageAttempts sets the stage-local attempt bound.
func WithStageAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workflow.StageMaxAttempts = n
	}
}

// WithPostgres points the config at the DSN in STORYLOOM_TEST_POSTGRES_DSN and
// skips the test when it is unset.
func WithPostgres() ConfigOption {
	return func(b *configBuilder) {
		dsn := strings.TrimSpace(os.Getenv(PostgresDSNEnv))
		if dsn == "" {
			b.t.Skipf("%s not set", PostgresDSNEnv)
		}
		b.cfg.Store.Driver = config.DriverPostgres
		b.cfg.Store.PostgresDSN = dsn
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
