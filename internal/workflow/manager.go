package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"storyloom/internal/catalog"
	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/internal/pipeline"
	"storyloom/internal/queue"
)

const releaseTimeout = 10 * time.Second

// Manager runs a fixed pool of workers that claim jobs and drive them through
// the pipeline runner.
type Manager struct {
	cfg           *config.Config
	queue         *queue.Manager
	runner        *pipeline.Runner
	logger        *slog.Logger
	heartbeat     *HeartbeatMonitor
	instanceID    string
	workerCount   int
	claimFilter   queue.ClaimFilter
	pollInterval  time.Duration
	errorInterval time.Duration

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
	lastJob *queue.Job
	active  map[string]int64
}

// NewManager constructs a worker pool over qm and runner using the workflow
// section of cfg.
func NewManager(cfg *config.Config, qm *queue.Manager, runner *pipeline.Runner, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := cfg.Workflow.WorkerCount
	if workers <= 0 {
		workers = 1
	}
	instanceID := uuid.NewString()
	return &Manager{
		cfg:           cfg,
		queue:         qm,
		runner:        runner,
		logger:        logging.NewComponentLogger(logger, "workflow"),
		instanceID:    instanceID,
		workerCount:   workers,
		claimFilter:   claimFilterFromConfig(cfg),
		pollInterval:  time.Duration(cfg.Workflow.PollInterval) * time.Second,
		errorInterval: time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		heartbeat: NewHeartbeatMonitor(
			qm,
			logger,
			time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
			time.Duration(cfg.Workflow.HeartbeatTimeout)*time.Second,
		),
		active: make(map[string]int64),
	}
}

func claimFilterFromConfig(cfg *config.Config) queue.ClaimFilter {
	var filter queue.ClaimFilter
	for _, jobType := range cfg.Workflow.JobTypes {
		filter.JobTypes = append(filter.JobTypes, catalog.JobType(jobType))
	}
	return filter
}

// WorkerIDs returns the identifiers the pool's workers claim jobs under.
func (m *Manager) WorkerIDs() []string {
	ids := make([]string, m.workerCount)
	for i := range ids {
		ids[i] = m.workerID(i)
	}
	return ids
}

func (m *Manager) workerID(index int) string {
	return fmt.Sprintf("%s-%d", m.instanceID[:8], index)
}
