package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"

	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/internal/notifications"
	"storyloom/internal/preflight"
	"storyloom/internal/queue"
	"storyloom/internal/workflow"
)

// LockFileName is the single-instance lock created in the data directory.
const LockFileName = "storyloom.lock"

// Daemon coordinates the worker pool and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	queue    *queue.Manager
	workflow *workflow.Manager

	lockPath string
	lock     *flock.Flock

	events      *notifications.Bus
	unsubscribe func()
	watchers    sync.WaitGroup

	running atomic.Bool
	cancel  context.CancelFunc
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithEvents attaches the in-process bus the queue manager publishes job
// lifecycle events to. The daemon logs every event it receives.
func WithEvents(bus *notifications.Bus) Option {
	return func(d *Daemon) {
		d.events = bus
	}
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	Workflow     workflow.StatusSummary
	StoreDriver  string
	StorePath    string
	LockFilePath string
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, qm *queue.Manager, wf *workflow.Manager, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || qm == nil || wf == nil {
		return nil, errors.New("daemon requires config, queue manager, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	lockPath := filepath.Join(cfg.Paths.DataDir, LockFileName)
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    qm.Store(),
		queue:    qm,
		workflow: wf,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Events returns the attached event bus, or nil.
func (d *Daemon) Events() *notifications.Bus {
	return d.events
}

// Start acquires the daemon lock and launches the worker pool.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another storyloom daemon instance is already running")
	}

	d.runPreflight(ctx)
	d.watchEvents()

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		d.stopWatching()
		_ = d.lock.Unlock()
		cancel()
		return fmt.Errorf("start workflow: %w", err)
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("storyloom daemon started",
		logging.String(logging.FieldEventType, "daemon_start"),
		logging.String("lock", d.lockPath),
		logging.Int("workers", len(d.workflow.WorkerIDs())),
	)
	return nil
}

// Preflight runs the readiness checks against the daemon's store and executor.
func (d *Daemon) Preflight(ctx context.Context) []preflight.Result {
	var pinger preflight.Pinger
	if d.store != nil {
		pinger = d.store
	}
	return preflight.RunAll(ctx, d.cfg, pinger, d.workflow.Executor())
}

// runPreflight logs failed checks. Workers still start: stage retries and the
// job retry budget absorb a backend that comes up late.
func (d *Daemon) runPreflight(ctx context.Context) {
	for _, result := range preflight.Failed(d.Preflight(ctx)) {
		logging.WarnWithContext(d.logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldImpact, "jobs may fail until the dependency recovers"),
		)
	}
}

// watchEvents logs job lifecycle events published on the bus until
// stopWatching closes the subscription.
func (d *Daemon) watchEvents() {
	if d.events == nil {
		return
	}
	ch, unsubscribe := d.events.Subscribe(64)
	d.unsubscribe = unsubscribe
	d.watchers.Add(1)
	go func() {
		defer d.watchers.Done()
		for msg := range ch {
			attrs := []logging.Attr{
				logging.String(logging.FieldEventType, string(msg.Event)),
				logging.Any("job_id", msg.Payload["job_id"]),
				logging.Any("job_type", msg.Payload["job_type"]),
			}
			if msg.Event == notifications.EventJobFailed {
				attrs = append(attrs,
					logging.Alert("job_failed"),
					logging.Any("error", msg.Payload["error"]),
				)
			}
			d.logger.Info("job lifecycle event", logging.Args(attrs...)...)
		}
	}()
}

func (d *Daemon) stopWatching() {
	if d.unsubscribe == nil {
		return
	}
	d.unsubscribe()
	d.unsubscribe = nil
	d.watchers.Wait()
	if dropped := d.events.Dropped(); dropped > 0 {
		d.logger.Warn("job lifecycle events dropped", logging.Int("dropped", dropped))
	}
}

// Stop stops the worker pool, releasing in-flight jobs, and drops the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.workflow.Stop()
	d.stopWatching()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("storyloom daemon stopped", logging.String(logging.FieldEventType, "daemon_stop"))
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// ListQueue returns jobs matching filter.
func (d *Daemon) ListQueue(ctx context.Context, filter queue.ListFilter) ([]*queue.Job, error) {
	return d.queue.ListJobs(ctx, filter)
}

// QueueHealth returns aggregate job counts.
func (d *Daemon) QueueHealth(ctx context.Context) (queue.HealthSummary, error) {
	if d.store == nil {
		return queue.HealthSummary{}, errors.New("job store unavailable")
	}
	return d.store.Health(ctx)
}

// DatabaseHealth returns detailed job store diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	if d.store == nil {
		return queue.DatabaseHealth{}, errors.New("job store unavailable")
	}
	return d.store.CheckHealth(ctx)
}

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	return SendTestNotification(ctx, d.cfg)
}

// SendTestNotification publishes EventTest through the configured ntfy topic.
func SendTestNotification(ctx context.Context, cfg *config.Config) (bool, string, error) {
	if cfg == nil {
		return false, "configuration unavailable", errors.New("configuration unavailable")
	}
	if strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	notifier := notifications.NewService(cfg)
	if err := notifier.Publish(ctx, notifications.EventTest, notifications.Payload{}); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}

// LockPath returns the path of the single-instance lock file.
func (d *Daemon) LockPath() string {
	return d.lockPath
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		Workflow:     d.workflow.Status(ctx),
		LockFilePath: d.lockPath,
	}
	if d.store != nil {
		status.StoreDriver = d.store.Driver()
		status.StorePath = d.store.Location()
	}
	return status
}
