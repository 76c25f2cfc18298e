package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"storyloom/internal/catalog"
	"storyloom/internal/stage"
	"storyloom/internal/stage/remote"
)

func TestExecutePostsStageRequest(t *testing.T) {
	type capture struct {
		path string
		body map[string]any
	}
	requests := make(chan capture, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		got := capture{path: r.URL.Path}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.body)
		requests <- got
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"image_url":"https://cdn.example/scene-1.png"}}`))
	}))
	defer server.Close()

	exec, err := remote.New(server.URL + "/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	idx := 1
	var progress []int
	result, err := exec.Execute(context.Background(), stage.Request{
		JobID:    42,
		JobType:  catalog.StoryAdventure,
		Stage:    catalog.StageSceneCreation,
		Item:     &idx,
		Payload:  catalog.StoryAdventurePayload{Character: catalog.Character{Name: "Pip"}, AdventureType: "quest"},
		Prior:    map[string]json.RawMessage{"story_generation": json.RawMessage(`{"title":"Pip"}`)},
		Progress: func(p int) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(result) != `{"image_url":"https://cdn.example/scene-1.png"}` {
		t.Fatalf("unexpected result %s", result)
	}
	captured := <-requests
	if captured.path != "/stages/scene_creation" {
		t.Fatalf("unexpected path %q", captured.path)
	}
	if captured.body["job_id"] != float64(42) || captured.body["item"] != float64(1) {
		t.Fatalf("unexpected body %+v", captured.body)
	}
	payload, _ := captured.body["payload"].(map[string]any)
	if payload["character_name"] != "Pip" || payload["adventure_type"] != "quest" {
		t.Fatalf("payload not forwarded: %+v", captured.body["payload"])
	}
	if len(progress) != 2 || progress[1] != 100 {
		t.Fatalf("unexpected progress reports %v", progress)
	}
}

func TestExecuteClassifiesFailures(t *testing.T) {
	tests := []struct {
		name string
		code int
		body string
		kind stage.Kind
	}{
		{"bad request", http.StatusBadRequest, `{"error":"prompt rejected"}`, stage.KindValidation},
		{"unprocessable", http.StatusUnprocessableEntity, ``, stage.KindValidation},
		{"rate limited", http.StatusTooManyRequests, ``, stage.KindTransient},
		{"server error", http.StatusInternalServerError, `{"error":"model crashed"}`, stage.KindUpstream},
		{"bad gateway", http.StatusBadGateway, `oops`, stage.KindUpstream},
		{"error body", http.StatusOK, `{"error":"nsfw content","kind":"validation"}`, stage.KindValidation},
		{"empty result", http.StatusOK, `{"result":null}`, stage.KindUpstream},
		{"garbage", http.StatusOK, `not json`, stage.KindUpstream},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			exec, err := remote.New(server.URL)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = exec.Execute(context.Background(), stage.Request{Stage: catalog.StagePDFCreation})
			var stageErr *stage.StageError
			if !errors.As(err, &stageErr) {
				t.Fatalf("expected StageError, got %v", err)
			}
			if stageErr.Kind != tc.kind {
				t.Fatalf("kind = %q, want %q (%v)", stageErr.Kind, tc.kind, err)
			}
		})
	}
}

func TestExecuteNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	exec, err := remote.New(url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = exec.Execute(context.Background(), stage.Request{Stage: catalog.StageEnhancement})
	if stage.Classify(err) != stage.KindTransient {
		t.Fatalf("expected transient failure, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := exec.Execute(ctx, stage.Request{Stage: catalog.StageEnhancement}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	exec, err := remote.New(server.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if h := exec.HealthCheck(context.Background()); !h.Ready {
		t.Fatalf("expected ready, got %+v", h)
	}
	healthy.Store(false)
	if h := exec.HealthCheck(context.Background()); h.Ready || h.Detail == "" {
		t.Fatalf("expected unhealthy with detail, got %+v", h)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := remote.New("  "); err == nil {
		t.Fatal("expected error for empty base url")
	}
}
