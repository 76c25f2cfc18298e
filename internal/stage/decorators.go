package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// WithRateLimit throttles calls through a token bucket shared by every
// worker using the returned executor. A non-positive rate disables limiting.
func WithRateLimit(next Executor, perSecond float64, burst int) Executor {
	if next == nil || perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

type rateLimited struct {
	next    Executor
	limiter *rate.Limiter
}

func (r *rateLimited) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// Wait fails early when the deadline leaves no room for a token.
		return nil, NewError(KindTimeout, req, "rate limit wait exceeds deadline", err)
	}
	return r.next.Execute(ctx, req)
}

func (r *rateLimited) HealthCheck(ctx context.Context) Health {
	return CheckHealth(ctx, "", r.next)
}

// WithTimeout bounds every call with d. A call that outlives d fails with a
// timeout StageError; cancellation of the parent context passes through
// unchanged. A non-positive d disables the bound.
func WithTimeout(next Executor, d time.Duration) Executor {
	if next == nil || d <= 0 {
		return next
	}
	return &timeBounded{next: next, timeout: d}
}

type timeBounded struct {
	next    Executor
	timeout time.Duration
}

func (t *timeBounded) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result, err := t.next.Execute(callCtx, req)
	if err == nil {
		return result, nil
	}
	if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, NewError(KindTimeout, req, fmt.Sprintf("exceeded %s", t.timeout), err)
	}
	return nil, err
}

func (t *timeBounded) HealthCheck(ctx context.Context) Health {
	return CheckHealth(ctx, "", t.next)
}
