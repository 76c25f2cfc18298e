package stage

import (
	"context"
	"encoding/json"

	"storyloom/internal/catalog"
)

// Request is the input of one stage call. Item is nil for single stages and
// the fan-out index otherwise.
type Request struct {
	JobID    int64                      `json:"job_id"`
	JobType  catalog.JobType            `json:"job_type"`
	Stage    string                     `json:"stage"`
	Item     *int                       `json:"item,omitempty"`
	Payload  catalog.Payload            `json:"payload"`
	Prior    map[string]json.RawMessage `json:"prior,omitempty"`
	Progress func(int)                  `json:"-"`
}

// ReportProgress forwards percent to the progress callback, if any.
func (r Request) ReportProgress(percent int) {
	if r.Progress != nil {
		r.Progress(percent)
	}
}

// ItemIndex returns the fan-out index, or 0 for single stages.
func (r Request) ItemIndex() int {
	if r.Item == nil {
		return 0
	}
	return *r.Item
}

// Label renders the request target as "stage" or "stage[i]".
func (r Request) Label() string {
	return catalog.ResultKey(r.Stage, r.ItemIndex(), r.Item != nil)
}

// Executor performs the work of a stage. Implementations must return promptly
// once ctx is cancelled and classify failures with *StageError so the runner
// can tell permanent from retryable ones.
type Executor interface {
	Execute(ctx context.Context, req Request) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// HealthChecker is implemented by executors that can check their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}

// CheckHealth checks exec when it supports health checks and reports it ready
// otherwise.
func CheckHealth(ctx context.Context, name string, exec Executor) Health {
	if exec == nil {
		return Unhealthy(name, "executor not configured")
	}
	if checker, ok := exec.(HealthChecker); ok {
		health := checker.HealthCheck(ctx)
		if health.Name == "" {
			health.Name = name
		}
		return health
	}
	return Healthy(name)
}
