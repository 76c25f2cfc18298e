package preflight

import (
	"context"

	"storyloom/internal/config"
	"storyloom/internal/stage"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// Pinger is implemented by job stores that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunAll executes the preflight checks for cfg. A nil store or executor skips
// the corresponding check.
func RunAll(ctx context.Context, cfg *config.Config, store Pinger, exec stage.Executor) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}
	if store != nil {
		results = append(results, CheckStore(ctx, cfg.Store.Driver, store))
	}
	if exec != nil {
		results = append(results, CheckExecutor(ctx, cfg.Executor.Mode, exec))
	}
	return results
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
