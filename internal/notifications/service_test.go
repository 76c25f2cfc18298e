package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"storyloom/internal/config"
	"storyloom/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventJobCompleted, notifications.Payload{"job_id": 1}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:  "job completed",
			event: notifications.EventJobCompleted,
			payload: notifications.Payload{
				"job_id":   int64(42),
				"job_type": "story_adventure",
			},
			expectTitle:    "Storyloom - Book Ready",
			expectMessage:  "✅ Job 42 (story_adventure) completed",
			expectTags:     "storyloom,job,completed",
			expectPriority: "high",
		},
		{
			name:  "job failed",
			event: notifications.EventJobFailed,
			payload: notifications.Payload{
				"job_id":   int64(7),
				"job_type": "interactive_search",
				"error":    "scene_creation[1]: upstream timeout",
			},
			expectTitle:    "Storyloom - Job Failed",
			expectMessage:  "❌ Job 7 (interactive_search) failed: scene_creation[1]: upstream timeout",
			expectTags:     "storyloom,job,failed",
			expectPriority: "high",
		},
		{
			name:           "test",
			event:          notifications.EventTest,
			expectTitle:    "Storyloom - Test",
			expectMessage:  "🧪 Notification system test",
			expectTags:     "storyloom,test",
			expectPriority: "low",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("read body: %v", err)
				}
				captured.body = string(body)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceHonorsEventToggles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for suppressed event: %s", r.Header.Get("Title"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.JobCompleted = false
	cfg.Notifications.JobFailed = false

	svc := notifications.NewService(&cfg)
	for _, event := range []notifications.Event{notifications.EventJobCompleted, notifications.EventJobFailed, "unknown"} {
		if err := svc.Publish(context.Background(), event, notifications.Payload{"job_id": 1}); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", event, err)
		}
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL

	err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventTest, nil)
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected 503 error, got %v", err)
	}
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := notifications.NewBus()
	first, unsubscribeFirst := bus.Subscribe(1)
	second, unsubscribeSecond := bus.Subscribe(1)
	defer unsubscribeSecond()

	if err := bus.Publish(context.Background(), notifications.EventJobCompleted, notifications.Payload{"job_id": int64(3)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for _, ch := range []<-chan notifications.Message{first, second} {
		msg := <-ch
		if msg.Event != notifications.EventJobCompleted || msg.Payload["job_id"] != int64(3) {
			t.Fatalf("unexpected message %+v", msg)
		}
	}

	unsubscribeFirst()
	unsubscribeFirst()
	if _, ok := <-first; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}

	// second has buffer 1: the second publish fills it, the third is dropped.
	_ = bus.Publish(context.Background(), notifications.EventJobFailed, nil)
	_ = bus.Publish(context.Background(), notifications.EventJobFailed, nil)
	if got := bus.Dropped(); got != 1 {
		t.Fatalf("expected 1 dropped delivery, got %d", got)
	}
}

type failingService struct{ err error }

func (f failingService) Publish(context.Context, notifications.Event, notifications.Payload) error {
	return f.err
}

func TestMultiJoinsErrors(t *testing.T) {
	bus := notifications.NewBus()
	ch, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	boom := errors.New("boom")
	svc := notifications.Multi(nil, failingService{err: boom}, bus)
	err := svc.Publish(context.Background(), notifications.EventJobCompleted, notifications.Payload{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to wrap boom, got %v", err)
	}
	select {
	case <-ch:
	default:
		t.Fatal("expected bus delivery despite sibling failure")
	}

	if err := notifications.Multi().Publish(context.Background(), notifications.EventTest, nil); err != nil {
		t.Fatalf("empty multi should be noop, got %v", err)
	}
}
