package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"storyloom/internal/catalog"
	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/internal/queue"
	"storyloom/internal/services"
	"storyloom/internal/stage"
)

const progressBucket = 25

// RetryPolicy bounds stage-local retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// PolicyFromConfig reads the stage retry settings of cfg.
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	if cfg == nil {
		return RetryPolicy{MaxAttempts: 3, Backoff: time.Second, MaxBackoff: 10 * time.Second}
	}
	return RetryPolicy{
		MaxAttempts: cfg.Workflow.StageMaxAttempts,
		Backoff:     time.Duration(cfg.Workflow.StageRetryBackoffMS) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.Workflow.StageRetryMaxBackoffMS) * time.Millisecond,
	}
}

// delay returns the wait before the attempt following the n-th failure.
func (p RetryPolicy) delay(failures int) time.Duration {
	if p.Backoff <= 0 || failures <= 0 {
		return 0
	}
	d := p.Backoff
	for i := 1; i < failures; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Runner executes claimed jobs. It is safe for concurrent use by several
// workers.
type Runner struct {
	manager  *queue.Manager
	executor stage.Executor
	logger   *slog.Logger
	policy   RetryPolicy
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logging.NewComponentLogger(logger, "pipeline")
		}
	}
}

// WithRetryPolicy sets the stage-local retry policy.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(r *Runner) {
		if policy.MaxAttempts <= 0 {
			policy.MaxAttempts = 1
		}
		r.policy = policy
	}
}

// NewRunner builds a runner that records state through manager and performs
// stage work through executor.
func NewRunner(manager *queue.Manager, executor stage.Executor, opts ...Option) *Runner {
	r := &Runner{
		manager:  manager,
		executor: executor,
		logger:   logging.NewComponentLogger(logging.NewNop(), "pipeline"),
		policy:   PolicyFromConfig(nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Executor exposes the stage executor, for health reporting.
func (r *Runner) Executor() stage.Executor { return r.executor }

// jobState is the per-run view of a job: its decoded payload, the outputs of
// completed stage records and a progress log sampler.
type jobState struct {
	job      *queue.Job
	lease    queue.Lease
	tpl      catalog.Template
	payload  catalog.Payload
	sampler  *logging.ProgressSampler
	mu       sync.Mutex
	prior    map[string]json.RawMessage
	complete map[queue.StageKey]json.RawMessage
}

func (js *jobState) completed(key queue.StageKey) (json.RawMessage, bool) {
	js.mu.Lock()
	defer js.mu.Unlock()
	out, ok := js.complete[key]
	return out, ok
}

func (js *jobState) record(step catalog.Step, key queue.StageKey, out json.RawMessage) {
	js.mu.Lock()
	defer js.mu.Unlock()
	js.complete[key] = out
	js.prior[catalog.ResultKey(key.Stage, key.Item, step.IsFanOut())] = out
}

// snapshot copies the prior results visible to the next step.
func (js *jobState) snapshot() map[string]json.RawMessage {
	js.mu.Lock()
	defer js.mu.Unlock()
	out := make(map[string]json.RawMessage, len(js.prior))
	for k, v := range js.prior {
		out[k] = v
	}
	return out
}

// Run executes job to completion, cancellation or failure. It returns nil on
// completion, ErrJobCancelled, an error matching ErrJobFailed, an error
// matching queue.ErrClaimLost when another worker took the job over, or the
// context error when ctx ends first; in the last case nothing is recorded and
// the caller should release the job. Every write is fenced on the job's lease.
func (r *Runner) Run(ctx context.Context, job *queue.Job) error {
	if job == nil {
		return errors.New("pipeline: nil job")
	}
	ctx = services.WithJobType(services.WithJobID(ctx, job.ID), string(job.JobType))
	logger := logging.WithContext(ctx, r.logger)
	runStart := time.Now()

	cat := r.manager.Catalog()
	tpl, err := cat.Template(job.JobType)
	if err != nil {
		return r.abort(ctx, job.Lease(), services.Wrap(services.ErrValidation, "", "resolve template", "", err))
	}
	payload, err := cat.DecodePayload(job.JobType, job.Payload)
	if err != nil {
		return r.abort(ctx, job.Lease(), services.Wrap(services.ErrValidation, "", "decode payload", "", err))
	}

	js := &jobState{
		job:      job,
		lease:    job.Lease(),
		tpl:      tpl,
		payload:  payload,
		sampler:  logging.NewProgressSampler(progressBucket),
		prior:    make(map[string]json.RawMessage),
		complete: make(map[queue.StageKey]json.RawMessage),
	}
	records, err := r.manager.StageRecords(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load stage records: %w", err)
	}
	resumed := 0
	for _, rec := range records {
		if rec.Status != queue.StageCompleted {
			continue
		}
		step, ok := tpl.Step(rec.Stage)
		if !ok {
			continue
		}
		js.record(step, rec.Key(), rec.Result)
		resumed++
	}

	logger.Info("job run started",
		logging.String(logging.FieldEventType, "job_run_start"),
		logging.String("graph", tpl.String()),
		logging.Int("retry_count", job.RetryCount),
		logging.Int("completed_records", resumed),
	)

	for _, step := range tpl.Steps {
		if err := r.checkCancelled(ctx, job.ID); err != nil {
			return err
		}
		if step.IsFanOut() {
			err = r.runFanOut(ctx, js, step)
		} else {
			err = r.runSingle(ctx, js, step)
		}
		if err != nil {
			return r.resolve(ctx, job.ID, err)
		}
	}

	if err := r.checkCancelled(ctx, job.ID); err != nil {
		return err
	}
	result, err := catalog.Assemble(tpl, js.snapshot())
	if err != nil {
		return r.abort(ctx, js.lease, services.Wrap(services.ErrValidation, "", "assemble result", "", err))
	}
	if err := r.manager.CompleteJob(ctx, js.lease, result); err != nil {
		return r.resolve(ctx, job.ID, err)
	}
	logger.Info("job run completed",
		logging.String(logging.FieldEventType, "job_run_complete"),
		logging.Duration("run_duration", time.Since(runStart)),
	)
	return nil
}

func (r *Runner) runSingle(ctx context.Context, js *jobState, step catalog.Step) error {
	key := queue.StageKey{JobID: js.job.ID, Stage: step.Stage}
	if _, ok := js.completed(key); ok {
		return nil
	}
	out, err := r.runStage(ctx, js, step, key, js.snapshot(), true)
	if err != nil {
		var exhausted *exhaustedError
		if errors.As(err, &exhausted) {
			return jobFailure(exhausted)
		}
		return err
	}
	js.record(step, key, out)
	return nil
}

// checkCancelled reads the job status at a step boundary.
func (r *Runner) checkCancelled(ctx context.Context, jobID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := r.manager.IsCancelled(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check cancellation: %w", err)
	}
	if cancelled {
		logging.WithContext(ctx, r.logger).Info("job cancelled, stopping at step boundary",
			logging.String(logging.FieldEventType, "job_run_cancelled"),
		)
		return ErrJobCancelled
	}
	return nil
}

// resolve maps a transition refused by the store onto cancellation when the
// job was cancelled underneath the run.
func (r *Runner) resolve(ctx context.Context, jobID int64, err error) error {
	if !errors.Is(err, queue.ErrInvalidTransition) {
		return err
	}
	if cancelled, checkErr := r.manager.IsCancelled(ctx, jobID); checkErr == nil && cancelled {
		return ErrJobCancelled
	}
	return err
}

// abort fails the job terminally without spending retries.
func (r *Runner) abort(ctx context.Context, lease queue.Lease, cause error) error {
	message := cause.Error()
	if err := r.manager.AbortJob(ctx, lease, message); err != nil {
		return r.resolve(ctx, lease.JobID, err)
	}
	return &FailureError{Message: message, Outcome: queue.FailOutcome{Terminal: true}, Cause: cause}
}

func jobFailure(exhausted *exhaustedError) error {
	outcome := queue.FailOutcome{}
	if exhausted.failure.Job != nil {
		outcome = *exhausted.failure.Job
	}
	return &FailureError{
		Message: fmt.Sprintf("%s: %v", exhausted.key.Stage, exhausted.cause),
		Outcome: outcome,
		Cause:   exhausted.cause,
	}
}
