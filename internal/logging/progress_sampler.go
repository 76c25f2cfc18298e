package logging

import (
	"strings"
	"sync"
)

// ProgressSampler suppresses repetitive stage progress logs. A report is
// emitted the first time a key is seen and whenever its percentage crosses
// into a higher bucket. Keys are typically "stage" or "stage#item".
type ProgressSampler struct {
	mu         sync.Mutex
	bucketSize int
	buckets    map[string]int
}

// NewProgressSampler constructs a sampler with the given bucket width in
// percent (default 10).
func NewProgressSampler(bucketSize int) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, buckets: make(map[string]int)}
}

// ShouldLog reports whether a progress report for key should be logged.
func (s *ProgressSampler) ShouldLog(key string, percent int) bool {
	if s == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	bucket := percent / s.bucketSize

	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.buckets[key]
	if seen && bucket <= last {
		return false
	}
	s.buckets[key] = bucket
	return true
}

// Reset clears the sampler state (e.g. when a new job starts).
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.buckets = make(map[string]int)
	s.mu.Unlock()
}
