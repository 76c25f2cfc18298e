package main

import (
	"strings"
	"testing"

	"storyloom/internal/queue"
)

func TestStageLabel(t *testing.T) {
	tests := map[string]string{
		"scene_creation":         "Scene Creation",
		"pdf_creation":           "Pdf Creation",
		"consistency_validation": "Consistency Validation",
		"A":                      "A",
	}
	for input, want := range tests {
		if got := stageLabel(input); got != want {
			t.Fatalf("stageLabel(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestBuildQueueStatusRowsSkipsEmptyStatuses(t *testing.T) {
	rows := buildQueueStatusRows(map[queue.Status]int{
		queue.StatusFailed:  2,
		queue.StatusPending: 1,
	})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %v", rows)
	}
	if rows[0][0] != "Pending" || rows[1][0] != "Failed" {
		t.Fatalf("expected lifecycle order, got %v", rows)
	}
}

func TestRenderStatusLineWithoutColor(t *testing.T) {
	line := renderStatusLine("Status", statusError, "failed", false)
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("unexpected escape codes in %q", line)
	}
	if !strings.Contains(line, "[ERROR] failed") {
		t.Fatalf("unexpected status line %q", line)
	}
}

func TestReadPayloadRejectsBothSources(t *testing.T) {
	if _, err := readPayload(strings.NewReader(""), "{}", "payload.json"); err == nil {
		t.Fatal("expected error when both sources are given")
	}
	raw, err := readPayload(strings.NewReader(`{"a":1}`), "", "-")
	if err != nil {
		t.Fatalf("readPayload stdin: %v", err)
	}
	if string(raw) != `{"a":1}` {
		t.Fatalf("unexpected payload %s", raw)
	}
}
