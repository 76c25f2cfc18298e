package workflow

import (
	"fmt"
	"time"

	"storyloom/internal/config"
	"storyloom/internal/stage"
	"storyloom/internal/stage/remote"
	"storyloom/internal/stage/simulate"
)

// NewExecutor builds the stage executor selected by cfg.Executor, bounded by
// the configured stage timeout and shared rate limit.
func NewExecutor(cfg *config.Config) (stage.Executor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("executor config required")
	}
	var exec stage.Executor
	switch cfg.Executor.Mode {
	case config.ExecutorSimulate:
		exec = simulate.New()
	case config.ExecutorRemote:
		client, err := remote.New(cfg.Executor.BaseURL,
			remote.WithRequestTimeout(time.Duration(cfg.Executor.RequestTimeout)*time.Second),
		)
		if err != nil {
			return nil, err
		}
		exec = client
	default:
		return nil, fmt.Errorf("unsupported executor mode %q", cfg.Executor.Mode)
	}
	exec = stage.WithTimeout(exec, time.Duration(cfg.Executor.StageTimeout)*time.Second)
	exec = stage.WithRateLimit(exec, cfg.Executor.RateLimit, cfg.Executor.Burst)
	return exec, nil
}
