package config

const (
	// DriverSQLite selects the embedded SQLite job store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the networked PostgreSQL job store.
	DriverPostgres = "postgres"

	// ExecutorRemote dispatches stage work to the HTTP generation service.
	ExecutorRemote = "remote"
	// ExecutorSimulate produces deterministic fake stage results.
	ExecutorSimulate = "simulate"
)

const (
	defaultDataDir                = "~/.local/share/storyloom"
	defaultLogDir                 = "~/.local/share/storyloom/logs"
	defaultSQLiteFile             = "queue.db"
	defaultPostgresMaxConns       = 10
	defaultWorkerCount            = 2
	defaultPollInterval           = 2
	defaultErrorRetryInterval     = 5
	defaultHeartbeatInterval      = 15
	defaultHeartbeatTimeout       = 120
	defaultStageMaxAttempts       = 3
	defaultStageRetryBackoffMS    = 1000
	defaultStageRetryMaxBackoffMS = 10000
	defaultPriority               = 5
	defaultMaxRetries             = 3
	defaultExecutorBaseURL        = "http://127.0.0.1:8700"
	defaultExecutorRequestTimeout = 300
	defaultExecutorRateLimit      = 4
	defaultExecutorBurst          = 5
	defaultNotifyRequestTimeout   = 10
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Store: Store{
			Driver:   DriverSQLite,
			MaxConns: defaultPostgresMaxConns,
		},
		Workflow: Workflow{
			WorkerCount:            defaultWorkerCount,
			PollInterval:           defaultPollInterval,
			ErrorRetryInterval:     defaultErrorRetryInterval,
			HeartbeatInterval:      defaultHeartbeatInterval,
			HeartbeatTimeout:       defaultHeartbeatTimeout,
			StageMaxAttempts:       defaultStageMaxAttempts,
			StageRetryBackoffMS:    defaultStageRetryBackoffMS,
			StageRetryMaxBackoffMS: defaultStageRetryMaxBackoffMS,
			DefaultPriority:        defaultPriority,
			DefaultMaxRetries:      defaultMaxRetries,
		},
		Executor: Executor{
			Mode:           ExecutorRemote,
			BaseURL:        defaultExecutorBaseURL,
			RequestTimeout: defaultExecutorRequestTimeout,
			RateLimit:      defaultExecutorRateLimit,
			Burst:          defaultExecutorBurst,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			JobCompleted:   true,
			JobFailed:      true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
