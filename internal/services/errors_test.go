package services_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"storyloom/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrExternalTool, "scene_creation", "generate", "failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"scene_creation", "generate", "failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
		kind string
	}{
		{name: "nil", err: nil, want: false, kind: ""},
		{name: "validation", err: services.Wrap(services.ErrValidation, "enhancement", "decode", "bad input", nil), want: false, kind: "validation"},
		{name: "configuration", err: services.Wrap(services.ErrConfiguration, "", "", "missing key", nil), want: false, kind: "configuration"},
		{name: "timeout", err: services.Wrap(services.ErrTimeout, "pdf_creation", "render", "", nil), want: true, kind: "timeout"},
		{name: "transient", err: fmt.Errorf("wrapped: %w", services.ErrTransient), want: true, kind: "transient"},
		{name: "unmarked", err: errors.New("plain"), want: true, kind: "transient"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := services.Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable = %v, want %v", got, tc.want)
			}
			if got := services.Kind(tc.err); got != tc.kind {
				t.Fatalf("Kind = %q, want %q", got, tc.kind)
			}
		})
	}
}
