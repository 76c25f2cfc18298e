package logging_test

import (
	"testing"

	"storyloom/internal/logging"
)

func TestProgressSamplerNilAlwaysLogs(t *testing.T) {
	var s *logging.ProgressSampler
	if !s.ShouldLog("scene_creation#0", 50) {
		t.Fatal("nil sampler should always log")
	}
	s.Reset()
}

func TestProgressSamplerBuckets(t *testing.T) {
	s := logging.NewProgressSampler(10)

	steps := []struct {
		key     string
		percent int
		want    bool
	}{
		{"scene_creation#0", 0, true},
		{"scene_creation#0", 5, false},
		{"scene_creation#0", 10, true},
		{"scene_creation#0", 19, false},
		{"scene_creation#1", 3, true},
		{"scene_creation#0", 8, false},
		{"scene_creation#0", 100, true},
		{"scene_creation#0", 100, false},
		{"scene_creation#1", 150, true},
	}
	for i, step := range steps {
		if got := s.ShouldLog(step.key, step.percent); got != step.want {
			t.Fatalf("step %d (%s %d%%): got %v want %v", i, step.key, step.percent, got, step.want)
		}
	}

	s.Reset()
	if !s.ShouldLog("scene_creation#0", 100) {
		t.Fatal("expected reset sampler to log again")
	}
}

func TestProgressSamplerDefaultBucket(t *testing.T) {
	s := logging.NewProgressSampler(0)
	if !s.ShouldLog("pdf_creation", 0) {
		t.Fatal("first report should log")
	}
	if s.ShouldLog("pdf_creation", 9) {
		t.Fatal("expected 9% to share the default 10% bucket")
	}
	if !s.ShouldLog("pdf_creation", 10) {
		t.Fatal("expected 10% to open a new bucket")
	}
}
