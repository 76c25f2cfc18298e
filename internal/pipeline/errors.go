package pipeline

import (
	"errors"
	"fmt"

	"storyloom/internal/queue"
)

var (
	// ErrJobCancelled reports that the job was cancelled while it ran.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrJobFailed reports that the run ended in a job-level failure. The job
	// has already been requeued or failed terminally in the store.
	ErrJobFailed = errors.New("job failed")
)

// FailureError describes the job-level failure a run ended with.
type FailureError struct {
	Message string
	Outcome queue.FailOutcome
	Cause   error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s: %s", ErrJobFailed, e.Message)
}

// Is matches ErrJobFailed.
func (e *FailureError) Is(target error) bool {
	return target == ErrJobFailed
}

func (e *FailureError) Unwrap() error { return e.Cause }

// exhaustedError is an item that used up its stage-local attempts. Fan-out
// items return it to the join; single stages are promoted immediately.
type exhaustedError struct {
	key     queue.StageKey
	failure queue.StageFailure
	cause   error
}

func (e *exhaustedError) Error() string {
	return fmt.Sprintf("%s exhausted after %d attempts: %v", e.key, e.failure.RetryCount, e.cause)
}

func (e *exhaustedError) Unwrap() error { return e.cause }
