package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"storyloom/internal/logging"
	"storyloom/internal/queue"
)

// HeartbeatMonitor keeps claims fresh and reclaims jobs whose worker stopped
// heartbeating.
type HeartbeatMonitor struct {
	queue             *queue.Manager
	logger            *slog.Logger
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(qm *queue.Manager, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HeartbeatMonitor{
		queue:             qm,
		logger:            logger,
		heartbeatInterval: interval,
		heartbeatTimeout:  timeout,
	}
}

// ReclaimStale returns processing jobs with an expired heartbeat to pending.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context, logger *slog.Logger) error {
	if h.heartbeatTimeout <= 0 {
		return nil
	}
	reclaimed, err := h.queue.ReclaimStale(ctx, time.Now().Add(-h.heartbeatTimeout))
	if err != nil {
		return err
	}
	if reclaimed > 0 && logger != nil {
		logger.Debug("stale reclaim pass", logging.Int64("count", reclaimed))
	}
	return nil
}

// StartLoop refreshes the heartbeat of the job held by lease until ctx is
// cancelled. When the claim turns out to be lost it calls onLost once and
// returns.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, lease queue.Lease, onLost func()) {
	defer wg.Done()
	if h.heartbeatInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, logging.NewComponentLogger(h.logger, "workflow-heartbeat"))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := h.queue.Heartbeat(ctx, lease)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrClaimLost):
				logging.WarnWithContext(logger, "job claim lost, stopping run", "job_claim_lost",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "raise workflow.heartbeat_timeout if the store stalls longer than it"),
					logging.String(logging.FieldImpact, "the run stops; the worker now holding the job finishes it"),
				)
				if onLost != nil {
					onLost()
				}
				return
			case errors.Is(err, context.Canceled):
				logger.Debug("heartbeat update cancelled")
			case errors.Is(err, queue.ErrInvalidTransition):
				logger.Debug("job left processing, heartbeat skipped", logging.Error(err))
			default:
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}
