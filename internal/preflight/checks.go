package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"storyloom/internal/stage"
)

const (
	storeTimeout    = 5 * time.Second
	executorTimeout = 10 * time.Second
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckStore pings the job store with a short timeout.
func CheckStore(ctx context.Context, driver string, store Pinger) Result {
	name := "Job store"
	checkCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := store.Ping(checkCtx); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s unreachable (%s)", driver, summarizeError(err))}
	}
	return Result{Name: name, Passed: true, Detail: driver + " reachable"}
}

// CheckExecutor checks the stage executor's backend.
func CheckExecutor(ctx context.Context, mode string, exec stage.Executor) Result {
	name := "Generation service"
	checkCtx, cancel := context.WithTimeout(ctx, executorTimeout)
	defer cancel()
	health := stage.CheckHealth(checkCtx, mode, exec)
	if !health.Ready {
		detail := health.Detail
		if detail == "" {
			detail = "not ready"
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s: %s", mode, detail)}
	}
	return Result{Name: name, Passed: true, Detail: mode + " ready"}
}

// summarizeError produces a human-readable summary for connection failures.
func summarizeError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	return err.Error()
}
