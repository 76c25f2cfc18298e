package testsupport

import (
	"context"
	"encoding/json"
	"testing"

	"storyloom/internal/catalog"
	"storyloom/internal/config"
	"storyloom/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
// PostgreSQL stores are truncated first so tests start empty.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	if store.Driver() == config.DriverPostgres {
		if err := store.Truncate(context.Background()); err != nil {
			t.Fatalf("truncate postgres store: %v", err)
		}
	}
	return store
}

// MustNewManager opens a store for cfg and wraps it in a queue.Manager using
// the workflow defaults from cfg.
func MustNewManager(t testing.TB, cfg *config.Config, cat *catalog.Catalog, opts ...queue.ManagerOption) *queue.Manager {
	t.Helper()

	store := MustOpenStore(t, cfg)
	base := []queue.ManagerOption{
		queue.WithDefaults(cfg.Workflow.DefaultPriority, cfg.Workflow.DefaultMaxRetries),
	}
	return queue.NewManager(store, cat, append(base, opts...)...)
}

// MustEnqueue enqueues a job and fails the test on error.
func MustEnqueue(t testing.TB, mgr *queue.Manager, req queue.EnqueueRequest) *queue.Job {
	t.Helper()

	if req.Payload == nil {
		req.Payload = json.RawMessage(`{}`)
	}
	job, err := mgr.Enqueue(context.Background(), req)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

// MustClaim enqueues a job of the given type and claims it for workerID.
func MustClaim(t testing.TB, mgr *queue.Manager, jobType catalog.JobType, workerID string) *queue.Job {
	t.Helper()

	MustEnqueue(t, mgr, queue.EnqueueRequest{JobType: jobType})
	job, err := mgr.ClaimNext(context.Background(), workerID)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	return job
}

// Priority returns a pointer for EnqueueRequest.Priority.
func Priority(n int) *int {
	return &n
}

// Retries returns a pointer for EnqueueRequest.MaxRetries.
func Retries(n int) *int {
	return &n
}

// ABCCatalog is the graph {A, fanout(B, 2), C} registered as "abc".
func ABCCatalog(t testing.TB) *catalog.Catalog {
	t.Helper()

	cat, err := catalog.New(catalog.Entry{
		Template: catalog.Template{
			JobType: "abc",
			Steps:   []catalog.Step{catalog.Single("A"), catalog.FanOut("B", 2), catalog.Single("C")},
		},
	})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return cat
}

// AdventurePayload is a valid story_adventure payload.
func AdventurePayload() json.RawMessage {
	return json.RawMessage(`{"character_name":"Pip","character_type":"fox","character_image_url":"https://images.example/pip.png","special_ability":"flight","age_group":"7-10","story_world":"enchanted forest","adventure_type":"treasure hunt"}`)
}

// SearchPayload is a valid interactive_search payload.
func SearchPayload() json.RawMessage {
	return json.RawMessage(`{"character_name":"Pip","character_type":"fox","character_image_url":"https://images.example/pip.png"}`)
}
