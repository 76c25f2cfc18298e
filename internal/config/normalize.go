package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStore(); err != nil {
		return err
	}
	c.normalizeWorkflow()
	c.normalizeExecutor()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStore() error {
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "", "sqlite3":
		c.Store.Driver = DriverSQLite
	case "postgresql", "pgx":
		c.Store.Driver = DriverPostgres
	}
	if strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = filepath.Join(c.Paths.DataDir, defaultSQLiteFile)
	}
	var err error
	if c.Store.SQLitePath, err = expandPath(c.Store.SQLitePath); err != nil {
		return fmt.Errorf("store.sqlite_path: %w", err)
	}
	c.Store.PostgresDSN = strings.TrimSpace(c.Store.PostgresDSN)
	if c.Store.PostgresDSN == "" {
		if value, ok := os.LookupEnv("STORYLOOM_POSTGRES_DSN"); ok {
			c.Store.PostgresDSN = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("DATABASE_URL"); ok {
			c.Store.PostgresDSN = strings.TrimSpace(value)
		}
	}
	if c.Store.MaxConns <= 0 {
		c.Store.MaxConns = defaultPostgresMaxConns
	}
	return nil
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.DefaultPriority == 0 {
		c.Workflow.DefaultPriority = defaultPriority
	}
	if c.Workflow.StageRetryMaxBackoffMS < c.Workflow.StageRetryBackoffMS {
		c.Workflow.StageRetryMaxBackoffMS = c.Workflow.StageRetryBackoffMS
	}
	c.Workflow.JobTypes = normalizeJobTypes(c.Workflow.JobTypes)
}

func normalizeJobTypes(values []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func (c *Config) normalizeExecutor() {
	c.Executor.Mode = strings.ToLower(strings.TrimSpace(c.Executor.Mode))
	if c.Executor.Mode == "" {
		c.Executor.Mode = ExecutorRemote
	}
	c.Executor.BaseURL = strings.TrimRight(strings.TrimSpace(c.Executor.BaseURL), "/")
	if value, ok := os.LookupEnv("STORYLOOM_EXECUTOR_URL"); ok && strings.TrimSpace(value) != "" {
		c.Executor.BaseURL = strings.TrimRight(strings.TrimSpace(value), "/")
	}
	if c.Executor.BaseURL == "" {
		c.Executor.BaseURL = defaultExecutorBaseURL
	}
	if c.Executor.RequestTimeout <= 0 {
		c.Executor.RequestTimeout = defaultExecutorRequestTimeout
	}
	if c.Executor.StageTimeout < 0 {
		c.Executor.StageTimeout = 0
	}
	if c.Executor.Burst <= 0 {
		c.Executor.Burst = 1
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("STORYLOOM_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
