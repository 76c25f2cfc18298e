package queue

import (
	"errors"

	"storyloom/internal/catalog"
)

var (
	// ErrInvalidJobType reports a job type absent from the catalog.
	ErrInvalidJobType = catalog.ErrUnknownJobType
	// ErrInvalidPayload reports a payload that failed validation.
	ErrInvalidPayload = catalog.ErrInvalidPayload
	// ErrInvalidPriority reports a priority outside 1..10.
	ErrInvalidPriority = errors.New("priority must be between 1 and 10")
	// ErrInvalidMaxRetries reports a negative max retries value.
	ErrInvalidMaxRetries = errors.New("max retries must not be negative")
	// ErrNoJobAvailable means no pending job could be claimed.
	ErrNoJobAvailable = errors.New("no job available")
	// ErrClaimConflict means another worker claimed the selected job first.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrJobNotFound reports an unknown job id.
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidTransition reports a status change the job's current status forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrClaimLost reports a write by a worker whose claim was reclaimed or
	// taken over by another worker.
	ErrClaimLost = errors.New("job claim lost")
	// ErrStageCompleted reports an attempt to restart or fail a completed stage record.
	ErrStageCompleted = errors.New("stage already completed")
)
