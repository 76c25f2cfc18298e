package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateExecutor(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return errors.New("store.sqlite_path must be set when store.driver is sqlite")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn must be set when store.driver is postgres (or set STORYLOOM_POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("store.driver: unsupported value %q (want sqlite or postgres)", c.Store.Driver)
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.worker_count":           c.Workflow.WorkerCount,
		"workflow.poll_interval":          c.Workflow.PollInterval,
		"workflow.error_retry_interval":   c.Workflow.ErrorRetryInterval,
		"workflow.stage_max_attempts":     c.Workflow.StageMaxAttempts,
		"workflow.stage_retry_backoff_ms": c.Workflow.StageRetryBackoffMS,
		"notifications.request_timeout":   c.Notifications.RequestTimeout,
		"executor.request_timeout":        c.Executor.RequestTimeout,
	}); err != nil {
		return err
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if c.Workflow.DefaultPriority < 1 || c.Workflow.DefaultPriority > 10 {
		return errors.New("workflow.default_priority must be between 1 and 10")
	}
	if c.Workflow.DefaultMaxRetries < 0 {
		return errors.New("workflow.default_max_retries must be >= 0")
	}
	return nil
}

func (c *Config) validateExecutor() error {
	switch c.Executor.Mode {
	case ExecutorSimulate:
	case ExecutorRemote:
		parsed, err := url.Parse(c.Executor.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("executor.base_url must be an absolute URL, got %q", c.Executor.BaseURL)
		}
	default:
		return fmt.Errorf("executor.mode: unsupported value %q (want remote or simulate)", c.Executor.Mode)
	}
	if c.Executor.RateLimit < 0 {
		return errors.New("executor.rate_limit must be >= 0 (0 disables limiting)")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
