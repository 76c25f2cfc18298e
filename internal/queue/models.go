package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"storyloom/internal/catalog"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// AllStatuses returns every job status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ParseStatus normalizes a user-supplied status name.
func ParseStatus(value string) (Status, bool) {
	candidate := Status(strings.ToLower(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status is never left by the worker pool.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// StageStatus represents the lifecycle of a stage record.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageProcessing StageStatus = "processing"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	// StageSkipped is accepted by the schema but never written.
	StageSkipped StageStatus = "skipped"
)

// Job is one book-generation request.
type Job struct {
	ID            int64
	JobType       catalog.JobType
	Status        Status
	Priority      int
	RetryCount    int
	MaxRetries    int
	Payload       json.RawMessage
	Result        json.RawMessage
	Error         string
	Owner         string
	WorkerID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
}

// Lease identifies the worker holding a processing job. Writes made on
// behalf of a run are accepted only while the lease still matches the job's
// claim.
type Lease struct {
	JobID    int64
	WorkerID string
}

// Lease returns the claim a worker received from ClaimNext.
func (j *Job) Lease() Lease {
	return Lease{JobID: j.ID, WorkerID: j.WorkerID}
}

// StageKey addresses one stage record. Item is 0 for single stages.
type StageKey struct {
	JobID int64
	Stage string
	Item  int
}

func (k StageKey) String() string {
	return fmt.Sprintf("job %d %s#%d", k.JobID, k.Stage, k.Item)
}

// StageRecord is the persisted state of one stage (or fan-out item) of a job.
type StageRecord struct {
	JobID       int64
	Stage       string
	Item        int
	Status      StageStatus
	Progress    int
	RetryCount  int
	Error       string
	Result      json.RawMessage
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// Key returns the record's identity.
func (r StageRecord) Key() StageKey {
	return StageKey{JobID: r.JobID, Stage: r.Stage, Item: r.Item}
}

// JobStatus is a job together with its stage records and overall progress.
type JobStatus struct {
	Job      *Job
	Stages   []StageRecord
	Progress int
}

// ListFilter narrows ListJobs. Zero values match everything; Limit <= 0 means
// no limit.
type ListFilter struct {
	Statuses []Status
	JobType  catalog.JobType
	Owner    string
	Limit    int
}

// EnqueueRequest describes a new job. Nil Priority and nil MaxRetries take
// the manager defaults.
type EnqueueRequest struct {
	JobType    catalog.JobType
	Payload    json.RawMessage
	Priority   *int
	MaxRetries *int
	Owner      string
}

// ClaimFilter narrows which pending jobs a worker may claim. An empty filter
// matches every job type.
type ClaimFilter struct {
	JobTypes []catalog.JobType
}

// StagePolicy bounds stage-local retries for RecordStageFail.
type StagePolicy struct {
	MaxAttempts int
	// PromoteOnExhaust fails the parent job as soon as the record exhausts.
	// Fan-out items leave this false and the runner promotes after the join.
	PromoteOnExhaust bool
}

// StageFailure reports the state of a stage record after a failed attempt.
type StageFailure struct {
	RetryCount int
	Exhausted  bool
	// Job is set when the failure was promoted to the parent job.
	Job *FailOutcome
}

// FailOutcome reports what FailJob did with the job.
type FailOutcome struct {
	Requeued   bool
	Terminal   bool
	RetryCount int
}
