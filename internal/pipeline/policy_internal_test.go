package pipeline

import (
	"testing"
	"time"
)

func TestRetryPolicyDelayDoublesToCap(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, Backoff: time.Second, MaxBackoff: 5 * time.Second}
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range tests {
		if got := policy.delay(tc.failures); got != tc.want {
			t.Fatalf("delay(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
	if got := (RetryPolicy{}).delay(3); got != 0 {
		t.Fatalf("zero policy should not wait, got %v", got)
	}
}
