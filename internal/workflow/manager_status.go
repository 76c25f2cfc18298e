package workflow

import (
	"context"

	"storyloom/internal/logging"
	"storyloom/internal/queue"
	"storyloom/internal/stage"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running        bool                 `json:"running"`
	Workers        int                  `json:"workers"`
	ActiveJobs     map[string]int64     `json:"active_jobs"`
	LastError      string               `json:"last_error,omitempty"`
	LastJob        *queue.Job           `json:"last_job,omitempty"`
	QueueStats     map[queue.Status]int `json:"queue_stats"`
	ExecutorHealth stage.Health         `json:"executor_health"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:    m.running,
		Workers:    m.workerCount,
		ActiveJobs: make(map[string]int64, len(m.active)),
	}
	for worker, jobID := range m.active {
		summary.ActiveJobs[worker] = jobID
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if m.lastJob != nil {
		job := *m.lastJob
		summary.LastJob = &job
	}
	m.mu.RUnlock()

	stats, err := m.queue.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.QueueStats = stats
	summary.ExecutorHealth = stage.CheckHealth(ctx, "executor", m.Executor())
	return summary
}

// Executor returns the stage executor the pool's runner dispatches to.
func (m *Manager) Executor() stage.Executor {
	return m.runner.Executor()
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// setLastJob snapshots the job as stored after a run.
func (m *Manager) setLastJob(ctx context.Context, jobID int64) {
	status, err := m.queue.GetJob(context.WithoutCancel(ctx), jobID)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.lastJob = status.Job
	m.mu.Unlock()
}

func (m *Manager) setActive(workerID string, jobID int64) {
	m.mu.Lock()
	m.active[workerID] = jobID
	m.mu.Unlock()
}

func (m *Manager) clearActive(workerID string) {
	m.mu.Lock()
	delete(m.active, workerID)
	m.mu.Unlock()
}
