package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"storyloom/internal/catalog"
	"storyloom/internal/logging"
	"storyloom/internal/notifications"
	"storyloom/internal/services"
)

const (
	minPriority          = 1
	maxPriority          = 10
	defaultPriority      = 5
	defaultMaxRetries    = 3
	defaultClaimAttempts = 5
	notifyTimeout        = 30 * time.Second
)

// Manager owns job lifecycle semantics on top of a Store: validation at
// enqueue, claim races, stage transitions, retry promotion and the single
// completion notification per job.
type Manager struct {
	store             *Store
	catalog           *catalog.Catalog
	notifier          notifications.Service
	logger            *slog.Logger
	defaultPriority   int
	defaultMaxRetries int
	claimAttempts     int
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithNotifier sets the completion notification service.
func WithNotifier(svc notifications.Service) ManagerOption {
	return func(m *Manager) {
		if svc != nil {
			m.notifier = svc
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logging.NewComponentLogger(logger, "queue")
		}
	}
}

// WithDefaults sets the priority and max retries applied when a request leaves
// them unset.
func WithDefaults(priority, maxRetries int) ManagerOption {
	return func(m *Manager) {
		if priority >= minPriority && priority <= maxPriority {
			m.defaultPriority = priority
		}
		if maxRetries >= 0 {
			m.defaultMaxRetries = maxRetries
		}
	}
}

// WithClaimAttempts bounds how often ClaimNext re-selects after losing a race.
func WithClaimAttempts(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.claimAttempts = n
		}
	}
}

// NewManager wires a manager over store using the job types of cat.
func NewManager(store *Store, cat *catalog.Catalog, opts ...ManagerOption) *Manager {
	if cat == nil {
		cat = catalog.Default()
	}
	m := &Manager{
		store:             store,
		catalog:           cat,
		notifier:          notifications.Noop(),
		logger:            logging.NewComponentLogger(logging.NewNop(), "queue"),
		defaultPriority:   defaultPriority,
		defaultMaxRetries: defaultMaxRetries,
		claimAttempts:     defaultClaimAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying store.
func (m *Manager) Store() *Store { return m.store }

// Catalog exposes the job type catalog.
func (m *Manager) Catalog() *catalog.Catalog { return m.catalog }

func (m *Manager) jobLogger(ctx context.Context, id int64) *slog.Logger {
	return logging.WithContext(services.WithJobID(ctx, id), m.logger)
}

// Enqueue validates and persists a pending job.
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if _, ok := m.catalog.Lookup(req.JobType); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, req.JobType)
	}
	priority := m.defaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < minPriority || priority > maxPriority {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPriority, priority)
	}
	maxRetries := m.defaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxRetries, maxRetries)
	}
	if _, err := m.catalog.DecodePayload(req.JobType, req.Payload); err != nil {
		return nil, err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, req.Payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	job, err := m.store.insertJob(ctx, &Job{
		JobType:    req.JobType,
		Priority:   priority,
		MaxRetries: maxRetries,
		Payload:    compact.Bytes(),
		Owner:      strings.TrimSpace(req.Owner),
	})
	if err != nil {
		return nil, err
	}
	m.jobLogger(ctx, job.ID).Info("job enqueued",
		logging.String(logging.FieldEventType, "job_enqueued"),
		logging.String(logging.FieldJobType, string(job.JobType)),
		logging.Int("priority", job.Priority),
		logging.Int("max_retries", job.MaxRetries),
	)
	return job, nil
}

// ClaimNext atomically claims the highest-priority, oldest pending job. It
// returns ErrNoJobAvailable on an empty queue and ErrClaimConflict when every
// attempt lost a race to another worker.
func (m *Manager) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	return m.ClaimNextMatching(ctx, workerID, ClaimFilter{})
}

// ClaimNextMatching is ClaimNext restricted to the job types in filter.
func (m *Manager) ClaimNextMatching(ctx context.Context, workerID string, filter ClaimFilter) (*Job, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, errors.New("claim requires a worker id")
	}
	for attempt := 0; attempt < m.claimAttempts; attempt++ {
		job, err := m.store.claimNext(ctx, workerID, filter)
		if errors.Is(err, ErrClaimConflict) {
			m.logger.Debug("claim race lost, reselecting",
				logging.String(logging.FieldWorkerID, workerID),
				logging.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		m.jobLogger(ctx, job.ID).Info("job claimed",
			logging.String(logging.FieldEventType, "job_claimed"),
			logging.String(logging.FieldWorkerID, workerID),
			logging.String(logging.FieldJobType, string(job.JobType)),
			logging.Int("priority", job.Priority),
			logging.Int("retry_count", job.RetryCount),
		)
		return job, nil
	}
	return nil, ErrClaimConflict
}

// RecordStageStart moves a stage record to processing, creating it on first
// use. Completed records report ErrStageCompleted. Every stage write reports
// ErrClaimLost once lease no longer holds the job.
func (m *Manager) RecordStageStart(ctx context.Context, lease Lease, key StageKey) error {
	return m.store.startStage(ctx, lease, key)
}

// RecordStageProgress raises a processing record's progress, clamped to
// 0..100. It reports whether the update applied.
func (m *Manager) RecordStageProgress(ctx context.Context, lease Lease, key StageKey, percent int) (bool, error) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	applied, err := m.store.updateStageProgress(ctx, lease, key, percent)
	if err != nil {
		return false, err
	}
	if !applied {
		m.jobLogger(ctx, key.JobID).Debug("stage progress ignored",
			logging.String(logging.FieldStage, key.Stage),
			logging.Int(logging.FieldItemIndex, key.Item),
			logging.Int("progress", percent),
		)
	}
	return applied, nil
}

// RecordStageComplete marks a record completed with its result. Completing an
// already completed record is a no-op.
func (m *Manager) RecordStageComplete(ctx context.Context, lease Lease, key StageKey, result json.RawMessage) error {
	applied, err := m.store.completeStage(ctx, lease, key, result)
	if err != nil {
		return err
	}
	if !applied {
		m.jobLogger(ctx, key.JobID).Debug("stage already completed",
			logging.String(logging.FieldStage, key.Stage),
			logging.Int(logging.FieldItemIndex, key.Item),
		)
	}
	return nil
}

// RecordStageFail records a failed attempt. When the stage-local counter
// reaches policy.MaxAttempts the failure is exhausted; with PromoteOnExhaust
// the parent job is then failed through FailJob.
func (m *Manager) RecordStageFail(ctx context.Context, lease Lease, key StageKey, cause error, policy StagePolicy) (StageFailure, error) {
	message := "stage failed"
	if cause != nil {
		message = cause.Error()
	}
	count, err := m.store.failStage(ctx, lease, key, message)
	if err != nil {
		return StageFailure{}, err
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	failure := StageFailure{RetryCount: count, Exhausted: count >= maxAttempts}
	if failure.Exhausted && policy.PromoteOnExhaust {
		outcome, err := m.FailJob(ctx, lease, fmt.Sprintf("%s: %s", key.Stage, message))
		if err != nil {
			return failure, err
		}
		failure.Job = &outcome
	}
	return failure, nil
}

// CompleteJob moves a job processing under lease to completed and fires the
// completion notification.
func (m *Manager) CompleteJob(ctx context.Context, lease Lease, result json.RawMessage) error {
	id := lease.JobID
	ok, err := m.store.completeJob(ctx, lease, result)
	if err != nil {
		return err
	}
	if !ok {
		return m.leaseError(ctx, lease, StatusCompleted)
	}
	m.jobLogger(ctx, id).Info("job completed", logging.String(logging.FieldEventType, "job_completed"))
	m.notify(ctx, notifications.EventJobCompleted, id)
	return nil
}

// FailJob requeues a processing job while job-level retries remain, or fails
// it terminally and fires the completion notification.
func (m *Manager) FailJob(ctx context.Context, lease Lease, message string) (FailOutcome, error) {
	id := lease.JobID
	outcome, err := m.store.failJob(ctx, lease, message)
	if errors.Is(err, ErrInvalidTransition) {
		return FailOutcome{}, m.leaseError(ctx, lease, StatusFailed)
	}
	if err != nil {
		return FailOutcome{}, err
	}
	logger := m.jobLogger(ctx, id)
	if outcome.Requeued {
		logging.WarnWithContext(logger, "job requeued after failure", "job_requeued",
			logging.String("reason", message),
			logging.Int("retry_count", outcome.RetryCount),
			logging.String(logging.FieldImpact, "job restarts at its first unfinished stage"),
		)
		return outcome, nil
	}
	logging.ErrorWithContext(logger, "job failed", "job_failed",
		logging.String("reason", message),
		logging.Int("retry_count", outcome.RetryCount),
		logging.String(logging.FieldErrorHint, "inspect with storyloom queue show, then storyloom queue retry"),
	)
	m.notify(ctx, notifications.EventJobFailed, id)
	return outcome, nil
}

// AbortJob fails a processing job terminally regardless of its retry budget.
// Used when a job can never succeed, such as a corrupt payload.
func (m *Manager) AbortJob(ctx context.Context, lease Lease, message string) error {
	id := lease.JobID
	ok, err := m.store.abortJob(ctx, lease, message)
	if err != nil {
		return err
	}
	if !ok {
		return m.leaseError(ctx, lease, StatusFailed)
	}
	logging.ErrorWithContext(m.jobLogger(ctx, id), "job aborted", "job_aborted",
		logging.String("reason", message),
		logging.String(logging.FieldErrorHint, "the job cannot run as stored; enqueue a corrected job"),
	)
	m.notify(ctx, notifications.EventJobFailed, id)
	return nil
}

// CancelJob cancels a pending or processing job. Workers observe the
// cancellation at their next step boundary.
func (m *Manager) CancelJob(ctx context.Context, id int64) error {
	ok, err := m.store.cancelJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return m.transitionError(ctx, id, StatusCancelled)
	}
	m.jobLogger(ctx, id).Info("job cancelled", logging.String(logging.FieldEventType, "job_cancelled"))
	return nil
}

// RetryJob returns a terminally failed job to pending with a fresh retry
// budget. Completed stage records are kept.
func (m *Manager) RetryJob(ctx context.Context, id int64) error {
	ok, err := m.store.retryJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return m.transitionError(ctx, id, StatusPending)
	}
	m.jobLogger(ctx, id).Info("job retry requested", logging.String(logging.FieldEventType, "job_retry"))
	return nil
}

// ReleaseJob hands a processing job back to the queue without consuming a
// job-level retry. Used on worker shutdown.
func (m *Manager) ReleaseJob(ctx context.Context, lease Lease) error {
	ok, err := m.store.releaseJob(ctx, lease)
	if err != nil {
		return err
	}
	if !ok {
		return m.leaseError(ctx, lease, StatusPending)
	}
	m.jobLogger(ctx, lease.JobID).Info("job released", logging.String(logging.FieldEventType, "job_released"))
	return nil
}

// ReclaimStale returns processing jobs whose heartbeat is older than cutoff to
// pending.
func (m *Manager) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	count, err := m.store.reclaimStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		logging.WarnWithContext(m.logger, "reclaimed stale jobs", "jobs_reclaimed",
			logging.Int64("count", count),
			logging.String("cutoff", cutoff.UTC().Format(time.RFC3339)),
			logging.String(logging.FieldErrorHint, "a worker stopped heartbeating; check for crashed processes"),
			logging.String(logging.FieldImpact, "jobs resume from their last completed stage"),
		)
	}
	return count, nil
}

// Heartbeat refreshes the heartbeat of a job processing under lease. It
// reports ErrClaimLost once the job was reclaimed or claimed by another
// worker, and ErrInvalidTransition when it left processing otherwise.
func (m *Manager) Heartbeat(ctx context.Context, lease Lease) error {
	ok, err := m.store.UpdateHeartbeat(ctx, lease)
	if err != nil {
		return err
	}
	if !ok {
		return m.leaseError(ctx, lease, StatusProcessing)
	}
	return nil
}

// GetJob returns the job, its stage records and overall progress.
func (m *Manager) GetJob(ctx context.Context, id int64) (*JobStatus, error) {
	job, err := m.store.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := m.store.stageRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	status := &JobStatus{Job: job, Stages: records}
	if tpl, err := m.catalog.Template(job.JobType); err == nil {
		status.Progress = OverallProgress(tpl, job.Status, records)
	} else if job.Status == StatusCompleted {
		status.Progress = 100
	}
	return status, nil
}

// StageRecords lists the stage records of a job.
func (m *Manager) StageRecords(ctx context.Context, jobID int64) ([]StageRecord, error) {
	return m.store.stageRecords(ctx, jobID)
}

// StageRecord returns one stage record, or nil when it does not exist yet.
func (m *Manager) StageRecord(ctx context.Context, key StageKey) (*StageRecord, error) {
	return m.store.stageRecord(ctx, key)
}

// IsCancelled reports whether the job has been cancelled.
func (m *Manager) IsCancelled(ctx context.Context, id int64) (bool, error) {
	status, err := m.store.jobStatus(ctx, id)
	if err != nil {
		return false, err
	}
	return status == StatusCancelled, nil
}

// ListJobs returns jobs matching filter, newest first.
func (m *Manager) ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error) {
	return m.store.listJobs(ctx, filter)
}

// Stats returns job counts per status.
func (m *Manager) Stats(ctx context.Context) (map[Status]int, error) {
	return m.store.Stats(ctx)
}

// leaseError explains why a write fenced on lease matched no row. Jobs that
// went back to pending or now belong to another worker report ErrClaimLost;
// everything else, including cancellation, is an invalid transition.
func (m *Manager) leaseError(ctx context.Context, lease Lease, target Status) error {
	job, err := m.store.getJob(ctx, lease.JobID)
	if err != nil {
		return err
	}
	if job.Status != StatusCancelled && (job.Status == StatusPending || job.WorkerID != lease.WorkerID) {
		return fmt.Errorf("%w: job %d is %s, held by %q, not %q",
			ErrClaimLost, lease.JobID, job.Status, job.WorkerID, lease.WorkerID)
	}
	return fmt.Errorf("%w: job %d is %s, cannot move to %s", ErrInvalidTransition, lease.JobID, job.Status, target)
}

func (m *Manager) transitionError(ctx context.Context, id int64, target Status) error {
	current, err := m.store.jobStatus(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job %d is %s, cannot move to %s", ErrInvalidTransition, id, current, target)
}

// notify publishes a completion event. Delivery failures are logged; the
// job transition has already committed.
func (m *Manager) notify(ctx context.Context, event notifications.Event, id int64) {
	notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	job, err := m.store.getJob(notifyCtx, id)
	if err != nil {
		logging.WarnWithContext(m.jobLogger(ctx, id), "notification skipped", "notification_skipped",
			logging.Error(err),
			logging.String(logging.FieldImpact, "completion event not delivered"),
		)
		return
	}
	payload := notifications.Payload{
		"job_id":   job.ID,
		"job_type": string(job.JobType),
		"status":   string(job.Status),
	}
	if job.Owner != "" {
		payload["owner"] = job.Owner
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}
	if len(job.Result) > 0 {
		payload["result"] = job.Result
	}
	if err := m.notifier.Publish(notifyCtx, event, payload); err != nil {
		logging.WarnWithContext(m.jobLogger(ctx, id), "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check ntfy_topic and network reachability"),
			logging.String(logging.FieldImpact, "completion event not delivered"),
		)
	}
}
