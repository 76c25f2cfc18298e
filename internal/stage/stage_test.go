package stage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"storyloom/internal/services"
	"storyloom/internal/stage"
)

func item(i int) *int { return &i }

func TestStageErrorClassification(t *testing.T) {
	req := stage.Request{Stage: "scene_creation", Item: item(2)}
	tests := []struct {
		name      string
		err       error
		kind      stage.Kind
		permanent bool
		marker    error
	}{
		{"validation", stage.NewError(stage.KindValidation, req, "bad prompt", nil), stage.KindValidation, true, services.ErrValidation},
		{"upstream", stage.NewError(stage.KindUpstream, req, "502", nil), stage.KindUpstream, false, services.ErrExternalTool},
		{"timeout", stage.NewError(stage.KindTimeout, req, "slow", nil), stage.KindTimeout, false, services.ErrTimeout},
		{"wrapped", fmt.Errorf("call: %w", stage.NewError(stage.KindTransient, req, "reset", nil)), stage.KindTransient, false, services.ErrTransient},
		{"plain", errors.New("boom"), stage.KindTransient, false, nil},
		{"deadline", context.DeadlineExceeded, stage.KindTimeout, false, nil},
		{"services validation", services.Wrap(services.ErrValidation, "pdf_creation", "render", "missing pages", nil), stage.KindValidation, true, services.ErrValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := stage.Classify(tc.err); got != tc.kind {
				t.Fatalf("Classify = %q, want %q", got, tc.kind)
			}
			if got := stage.IsPermanent(tc.err); got != tc.permanent {
				t.Fatalf("IsPermanent = %v, want %v", got, tc.permanent)
			}
			if tc.marker != nil && !errors.Is(tc.err, tc.marker) {
				t.Fatalf("expected %v to match marker %v", tc.err, tc.marker)
			}
		})
	}
	if stage.IsPermanent(nil) || stage.Classify(nil) != "" {
		t.Fatal("nil error must not classify")
	}
}

func TestStageErrorMessage(t *testing.T) {
	cause := errors.New("connection reset")
	err := stage.NewError(stage.KindTransient, stage.Request{Stage: "scene_creation", Item: item(1)}, "", cause)
	if got, want := err.Error(), "scene_creation[1] transient: connection reset"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause must be reachable through errors.Is")
	}
	single := stage.NewError(stage.KindValidation, stage.Request{Stage: "pdf_creation"}, " no pages ", nil)
	if got, want := single.Error(), "pdf_creation validation: no pages"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	var target *stage.StageError
	if !errors.As(fmt.Errorf("wrap: %w", single), &target) || !target.Permanent() {
		t.Fatalf("errors.As did not recover a permanent StageError")
	}
}

func TestRequestLabels(t *testing.T) {
	if got := (stage.Request{Stage: "enhancement"}).Label(); got != "enhancement" {
		t.Fatalf("single label = %q", got)
	}
	if got := (stage.Request{Stage: "scene_creation", Item: item(0)}).Label(); got != "scene_creation[0]" {
		t.Fatalf("fan-out label = %q", got)
	}
	var reported []int
	req := stage.Request{Progress: func(p int) { reported = append(reported, p) }}
	req.ReportProgress(40)
	stage.Request{}.ReportProgress(10)
	if len(reported) != 1 || reported[0] != 40 {
		t.Fatalf("unexpected progress reports %v", reported)
	}
}

func TestWithTimeoutMapsDeadlineToTimeoutError(t *testing.T) {
	slow := stage.ExecutorFunc(func(ctx context.Context, req stage.Request) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec := stage.WithTimeout(slow, 10*time.Millisecond)

	_, err := exec.Execute(context.Background(), stage.Request{Stage: "audio_generation"})
	var stageErr *stage.StageError
	if !errors.As(err, &stageErr) || stageErr.Kind != stage.KindTimeout {
		t.Fatalf("expected timeout StageError, got %v", err)
	}
	if stage.IsPermanent(err) {
		t.Fatal("timeouts must be retryable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := exec.Execute(ctx, stage.Request{Stage: "audio_generation"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("parent cancellation must pass through, got %v", err)
	}

	if stage.WithTimeout(slow, 0) == nil {
		t.Fatal("zero timeout should return the wrapped executor")
	}
}

func TestWithRateLimitThrottlesCalls(t *testing.T) {
	var calls atomic.Int32
	fast := stage.ExecutorFunc(func(context.Context, stage.Request) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{}`), nil
	})
	exec := stage.WithRateLimit(fast, 20, 1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := exec.Execute(context.Background(), stage.Request{Stage: "scene_creation"}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("three calls at 20/s with burst 1 finished in %v", elapsed)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := exec.Execute(ctx, stage.Request{Stage: "scene_creation"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type healthyExec struct{ stage.ExecutorFunc }

func (healthyExec) HealthCheck(context.Context) stage.Health {
	return stage.Unhealthy("", "down for maintenance")
}

func TestCheckHealthDelegatesThroughDecorators(t *testing.T) {
	inner := healthyExec{stage.ExecutorFunc(func(context.Context, stage.Request) (json.RawMessage, error) { return nil, nil })}
	exec := stage.WithTimeout(stage.WithRateLimit(inner, 5, 1), time.Second)

	health := stage.CheckHealth(context.Background(), "executor", exec)
	if health.Ready || health.Detail != "down for maintenance" || health.Name != "executor" {
		t.Fatalf("unexpected health %+v", health)
	}

	plain := stage.ExecutorFunc(func(context.Context, stage.Request) (json.RawMessage, error) { return nil, nil })
	if h := stage.CheckHealth(context.Background(), "executor", plain); !h.Ready {
		t.Fatalf("executors without health checks report ready: %+v", h)
	}
	if h := stage.CheckHealth(context.Background(), "executor", nil); h.Ready {
		t.Fatal("nil executor must be unhealthy")
	}
}
