package daemon_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"storyloom/internal/catalog"
	"storyloom/internal/daemon"
	"storyloom/internal/daemonrun"
	"storyloom/internal/notifications"
	"storyloom/internal/queue"
	"storyloom/internal/testsupport"
)

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := daemonrun.Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
	})

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if !status.Workflow.Running {
		t.Fatal("expected worker pool to be running")
	}
	if status.LockFilePath != filepath.Join(cfg.Paths.DataDir, daemon.LockFileName) {
		t.Fatalf("unexpected lock path %q", status.LockFilePath)
	}
	if status.StoreDriver != "sqlite" {
		t.Fatalf("expected sqlite store, got %q", status.StoreDriver)
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	status = d.Status(ctx)
	if status.Running || status.Workflow.Running {
		t.Fatalf("expected daemon to be stopped, got %+v", status)
	}
}

func TestDaemonRefusesSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	other := flock.New(filepath.Join(cfg.Paths.DataDir, daemon.LockFileName))
	ok, err := other.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock: ok=%v err=%v", ok, err)
	}
	t.Cleanup(func() { _ = other.Unlock() })

	d, err := daemonrun.Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail while another instance holds the lock")
	}
	if d.Status(context.Background()).Running {
		t.Fatal("daemon must not report running without the lock")
	}
}

func TestDaemonProcessesQueuedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, err := daemonrun.Build(cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	ctx := context.Background()
	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	producer := queue.NewManager(store, catalog.Default())
	job := testsupport.MustEnqueue(t, producer, queue.EnqueueRequest{
		JobType: catalog.InteractiveSearch,
		Payload: testsupport.SearchPayload(),
	})

	if d.Events() == nil {
		t.Fatal("expected daemon to carry an event bus")
	}
	events, unsubscribe := d.Events().Subscribe(8)
	t.Cleanup(unsubscribe)

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCompleted(t, producer, job.ID)

	select {
	case msg := <-events:
		if msg.Event != notifications.EventJobCompleted || msg.Payload["job_id"] != job.ID {
			t.Fatalf("unexpected event %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected a completion event on the bus")
	}

	jobs, err := d.ListQueue(ctx, queue.ListFilter{Statuses: []queue.Status{queue.StatusCompleted}})
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("expected completed job %d in listing, got %d jobs", job.ID, len(jobs))
	}

	health, err := d.QueueHealth(ctx)
	if err != nil {
		t.Fatalf("QueueHealth: %v", err)
	}
	if health.Completed != 1 || health.Total != 1 {
		t.Fatalf("unexpected queue health %+v", health)
	}
	dbHealth, err := d.DatabaseHealth(ctx)
	if err != nil {
		t.Fatalf("DatabaseHealth: %v", err)
	}
	if !dbHealth.Readable || len(dbHealth.MissingTables) != 0 {
		t.Fatalf("unexpected database health %+v", dbHealth)
	}
}

func TestTestNotificationWithoutTopic(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sent, detail, err := daemon.SendTestNotification(context.Background(), cfg)
	if err != nil {
		t.Fatalf("SendTestNotification: %v", err)
	}
	if sent || detail != "ntfy topic not configured" {
		t.Fatalf("unexpected result sent=%v detail=%q", sent, detail)
	}
}

func TestBuildRejectsUnknownExecutor(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Executor.Mode = "carrier-pigeon"
	if _, err := daemonrun.Build(cfg, nil); err == nil {
		t.Fatal("expected Build to fail")
	}
}

func TestBuildRejectsUnknownJobTypeFilter(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.JobTypes = []string{"story_adventure", "coloring_book"}
	_, err := daemonrun.Build(cfg, nil)
	if !errors.Is(err, catalog.ErrUnknownJobType) {
		t.Fatalf("expected ErrUnknownJobType, got %v", err)
	}
}

func waitCompleted(t *testing.T, mgr *queue.Manager, id int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, err := mgr.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if status.Job.Status == queue.StatusCompleted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %d did not complete", id)
}
