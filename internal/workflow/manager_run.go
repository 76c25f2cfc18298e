package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyloom/internal/logging"
	"storyloom/internal/pipeline"
	"storyloom/internal/queue"
	"storyloom/internal/services"
)

// Start launches the worker pool.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.queue == nil || m.runner == nil {
		m.mu.Unlock()
		return errors.New("workflow queue and runner must be configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(m.workerCount)
	m.mu.Unlock()

	m.logger.Info("workflow started",
		logging.String(logging.FieldEventType, "workflow_start"),
		logging.Int("workers", m.workerCount),
	)
	for i := 0; i < m.workerCount; i++ {
		go m.runWorker(runCtx, i)
	}
	return nil
}

// Stop cancels the workers and waits for them. In-flight jobs are released
// back to the queue.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.logger.Info("workflow stopped", logging.String(logging.FieldEventType, "workflow_stop"))
}

// runWorker is the claim loop of one worker. Worker 0 also reclaims stale
// claims left by crashed processes.
func (m *Manager) runWorker(ctx context.Context, index int) {
	defer m.wg.Done()
	workerID := m.workerID(index)
	ctx = services.WithWorkerID(ctx, workerID)
	logger := logging.WithContext(ctx, m.logger)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if index == 0 {
			if err := m.heartbeat.ReclaimStale(ctx, logger); err != nil && ctx.Err() == nil {
				logging.WarnWithContext(logger, "reclaim stale jobs failed; stuck jobs may remain", "heartbeat_reclaim_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check job store access"),
				)
			}
		}

		job, err := m.queue.ClaimNextMatching(ctx, workerID, m.claimFilter)
		switch {
		case errors.Is(err, queue.ErrNoJobAvailable):
			m.wait(ctx, m.pollInterval)
			continue
		case errors.Is(err, queue.ErrClaimConflict):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			m.handleClaimError(ctx, logger, err)
			continue
		}

		m.processJob(ctx, workerID, job)
	}
}

func (m *Manager) processJob(ctx context.Context, workerID string, job *queue.Job) {
	jobCtx := services.WithRequestID(services.WithJobID(ctx, job.ID), uuid.NewString())
	jobLogger := logging.WithContext(jobCtx, m.logger)

	m.setActive(workerID, job.ID)
	defer m.clearActive(workerID)

	err := m.runWithHeartbeat(jobCtx, job)
	m.setLastJob(jobCtx, job.ID)

	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrJobCancelled):
		jobLogger.Info("job run stopped after cancellation",
			logging.String(logging.FieldEventType, "job_run_cancelled"),
		)
	case errors.Is(err, queue.ErrClaimLost):
		m.setLastError(err)
		logging.WarnWithContext(jobLogger, "job run abandoned after losing its claim", "job_run_claim_lost",
			logging.Error(err),
			logging.String(logging.FieldImpact, "no further writes from this worker; the current holder finishes the job"),
		)
	case errors.Is(err, pipeline.ErrJobFailed):
		m.setLastError(err)
		jobLogger.Info("job run ended in failure",
			logging.String(logging.FieldEventType, "job_run_failed"),
			logging.String(logging.FieldErrorKind, services.Kind(err)),
			logging.Bool("retryable", services.Retryable(err)),
		)
	case ctx.Err() != nil:
		m.release(ctx, jobLogger, job.Lease())
	default:
		m.setLastError(err)
		logging.ErrorWithContext(jobLogger, "job run interrupted", "job_run_error",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check job store access"),
			logging.String(logging.FieldImpact, "job returns to the queue and resumes at its first unfinished stage"),
		)
		m.release(ctx, jobLogger, job.Lease())
		m.wait(ctx, m.errorInterval)
	}
}

// runWithHeartbeat runs the pipeline while a ticker keeps the claim fresh. A
// heartbeat that finds the claim lost cancels the run, which then stops at
// its next write or step boundary.
func (m *Manager) runWithHeartbeat(ctx context.Context, job *queue.Job) error {
	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	hbCtx, hbCancel := context.WithCancel(runCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, job.Lease(), func() {
		cancelRun(queue.ErrClaimLost)
	})

	err := m.runner.Run(runCtx, job)
	hbCancel()
	hbWG.Wait()
	if err != nil && !errors.Is(err, queue.ErrClaimLost) && errors.Is(context.Cause(runCtx), queue.ErrClaimLost) {
		err = fmt.Errorf("%w: %v", queue.ErrClaimLost, err)
	}
	return err
}

// release hands a job back to the queue with a fresh context, since ctx may
// already be cancelled by shutdown.
func (m *Manager) release(ctx context.Context, logger *slog.Logger, lease queue.Lease) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := m.queue.ReleaseJob(releaseCtx, lease); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrClaimLost) {
			logger.Debug("job already left processing, nothing to release", logging.Error(err))
			return
		}
		logging.WarnWithContext(logger, "release job failed", "job_release_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "job stays claimed until its heartbeat expires"),
		)
	}
}

func (m *Manager) handleClaimError(ctx context.Context, logger *slog.Logger, err error) {
	m.setLastError(err)
	logging.ErrorWithContext(logger, "failed to claim next job", "queue_claim_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check job store access"),
	)
	m.wait(ctx, m.errorInterval)
}

func (m *Manager) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
