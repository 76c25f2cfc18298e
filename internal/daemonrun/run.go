package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"storyloom/internal/catalog"
	"storyloom/internal/config"
	"storyloom/internal/daemon"
	"storyloom/internal/logging"
	"storyloom/internal/notifications"
	"storyloom/internal/pipeline"
	"storyloom/internal/queue"
	"storyloom/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the storyloom daemon and blocks until SIGINT or SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout"},
		JSONPath:    filepath.Join(cfg.Paths.LogDir, "storyloom.log"),
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logConfigSnapshot(logger, cfg)

	pidPath := filepath.Join(cfg.Paths.DataDir, "storyloom.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	d, err := Build(cfg, logger)
	if err != nil {
		logger.Error("build daemon", logging.Error(err))
		return err
	}
	defer d.Close()

	if err := d.Start(signalCtx); err != nil {
		logging.ErrorWithContext(logger, "daemon start failed", "daemon_start_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the lock file and job store access"),
			logging.String(logging.FieldImpact, "no jobs will be processed"),
		)
		return err
	}

	<-signalCtx.Done()
	logger.Info("storyloom daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// Build opens the job store and assembles the queue manager, stage executor,
// pipeline runner and worker pool behind a Daemon. The caller owns Close.
func Build(cfg *config.Config, logger *slog.Logger) (*daemon.Daemon, error) {
	cat := catalog.Default()
	for _, jobType := range cfg.Workflow.JobTypes {
		if _, ok := cat.Lookup(catalog.JobType(jobType)); !ok {
			return nil, fmt.Errorf("workflow.job_types: %w: %q", catalog.ErrUnknownJobType, jobType)
		}
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	events := notifications.NewBus()
	qm := queue.NewManager(store, cat,
		queue.WithLogger(logger),
		queue.WithNotifier(notifications.Multi(notifications.NewService(cfg), events)),
		queue.WithDefaults(cfg.Workflow.DefaultPriority, cfg.Workflow.DefaultMaxRetries),
		queue.WithClaimAttempts(cfg.Workflow.WorkerCount+1),
	)

	exec, err := workflow.NewExecutor(cfg)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build stage executor: %w", err)
	}
	runner := pipeline.NewRunner(qm, exec,
		pipeline.WithLogger(logger),
		pipeline.WithRetryPolicy(pipeline.PolicyFromConfig(cfg)),
	)
	wf := workflow.NewManager(cfg, qm, runner, logger)

	d, err := daemon.New(cfg, qm, wf, logger, daemon.WithEvents(events))
	if err != nil {
		store.Close()
		return nil, err
	}
	return d, nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("store_driver", cfg.Store.Driver),
		logging.Int("workers", cfg.Workflow.WorkerCount),
		logging.String("job_types", strings.Join(cfg.Workflow.JobTypes, ",")),
		logging.Int("stage_max_attempts", cfg.Workflow.StageMaxAttempts),
		logging.String("executor_mode", cfg.Executor.Mode),
		logging.String("executor_base_url", cfg.Executor.BaseURL),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
	)
}
