package notifier

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/Sponsorn/streamloop/internal/config"
	"github.com/Sponsorn/streamloop/internal/eventbus"
	"github.com/Sponsorn/streamloop/internal/models"
)

func newTestNotifier(t *testing.T, handler http.HandlerFunc) (*Notifier, *eventbus.Bus) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	bus := eventbus.New()
	t.Cleanup(func() { _ = bus.Close() })

	cfg := config.NotifierConfig{
		WebhookURL:   srv.URL,
		DebounceMs:   50,
		EventToggles: map[string]bool{},
		Templates:    map[string]string{},
	}
	n := New(cfg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(n.Close)
	return n, bus
}

func captureRequests(t *testing.T, ch chan<- webhookPayload) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("unmarshal request body: %v", err)
			return
		}
		ch <- payload
		w.WriteHeader(http.StatusNoContent)
	}
}

// TestBatchingSingleFlush verifies spec §8 property 10: two info-level
// sends within the debounce window produce exactly one outbound request
// containing both messages.
func TestBatchingSingleFlush(t *testing.T) {
	requests := make(chan webhookPayload, 4)
	n, bus := newTestNotifier(t, captureRequests(t, requests))
	_ = n

	if err := bus.Publish(eventbus.TopicNotify, eventbus.Send("A", models.LevelInfo, nil)); err != nil {
		t.Fatalf("publish A: %v", err)
	}
	if err := bus.Publish(eventbus.TopicNotify, eventbus.Send("B", models.LevelWarn, nil)); err != nil {
		t.Fatalf("publish B: %v", err)
	}

	select {
	case payload := <-requests:
		if len(payload.Embeds) != 1 {
			t.Fatalf("expected one embed, got %d", len(payload.Embeds))
		}
		desc := payload.Embeds[0].Description
		if !strings.Contains(desc, "A") || !strings.Contains(desc, "B") {
			t.Fatalf("expected batched description to contain both messages, got %q", desc)
		}
		if payload.Embeds[0].Footer.Text != "2 events" {
			t.Fatalf("expected footer '2 events', got %q", payload.Embeds[0].Footer.Text)
		}
		if payload.Embeds[0].Color != colorWarn {
			t.Fatalf("expected highest-level (warn) color, got %d", payload.Embeds[0].Color)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for batched webhook request")
	}

	select {
	case extra := <-requests:
		t.Fatalf("expected exactly one request, got a second: %+v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestErrorLevelFlushesImmediatelyWithQueuedMessages verifies spec §8
// property 10/11 and §4.4: an error-level enqueue flushes right away,
// tagging along any already-queued lower-priority messages, and the role
// mention is present only because the flush's highest level is error.
func TestErrorLevelFlushesImmediatelyWithQueuedMessages(t *testing.T) {
	requests := make(chan webhookPayload, 4)
	srv := httptest.NewServer(captureRequests(t, requests))
	defer srv.Close()

	bus := eventbus.New()
	defer bus.Close()

	cfg := config.NotifierConfig{
		WebhookURL:  srv.URL,
		DebounceMs:  5000, // long enough that only the error flush could fire in time
		RoleMention: "@oncall",
	}
	n := New(cfg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Close()

	if err := bus.Publish(eventbus.TopicNotify, eventbus.Send("low priority", models.LevelInfo, nil)); err != nil {
		t.Fatalf("publish info: %v", err)
	}
	// The bus does not order deliveries of back-to-back publishes, so wait
	// until the info message is actually queued before sending the error.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n.mu.Lock()
		queued := len(n.queue)
		n.mu.Unlock()
		if queued == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the info message to be queued")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := bus.Publish(eventbus.TopicNotify, eventbus.Send("something broke", models.LevelError, nil)); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	select {
	case payload := <-requests:
		if payload.Content != "@oncall" {
			t.Fatalf("expected role mention on error flush, got %q", payload.Content)
		}
		if !strings.Contains(payload.Embeds[0].Description, "low priority") {
			t.Fatalf("expected queued info message to tag along, got %q", payload.Embeds[0].Description)
		}
		if payload.Embeds[0].Color != colorError {
			t.Fatalf("expected error color, got %d", payload.Embeds[0].Color)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for immediate error flush")
	}
}

// TestRoleMentionAbsentOnNonErrorFlush verifies spec §8 property 11's
// converse: a batch whose highest level is below error carries no
// role-mention content.
func TestRoleMentionAbsentOnNonErrorFlush(t *testing.T) {
	requests := make(chan webhookPayload, 4)
	srv := httptest.NewServer(captureRequests(t, requests))
	defer srv.Close()

	bus := eventbus.New()
	defer bus.Close()

	cfg := config.NotifierConfig{
		WebhookURL:  srv.URL,
		DebounceMs:  50,
		RoleMention: "@oncall",
	}
	n := New(cfg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Close()

	if err := bus.Publish(eventbus.TopicNotify, eventbus.Send("just a warning", models.LevelWarn, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-requests:
		if payload.Content != "" {
			t.Fatalf("expected no role mention on non-error flush, got %q", payload.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for debounced flush")
	}
}

// TestDisabledEventToggleSkipsEnqueue verifies that a disabled event kind
// never reaches the queue.
func TestDisabledEventToggleSkipsEnqueue(t *testing.T) {
	requests := make(chan webhookPayload, 4)
	srv := httptest.NewServer(captureRequests(t, requests))
	defer srv.Close()

	bus := eventbus.New()
	defer bus.Close()

	cfg := config.NotifierConfig{
		WebhookURL:   srv.URL,
		DebounceMs:   50,
		EventToggles: map[string]bool{eventbus.NotifyKindSkip: false},
	}
	n := New(cfg, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Close()

	if err := bus.Publish(eventbus.TopicNotify, eventbus.NotifySkip(2, "abc", "permanent error")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// enqueue one enabled event too, so the debounce timer is guaranteed
	// to fire and we can positively observe the skip's absence.
	if err := bus.Publish(eventbus.TopicNotify, eventbus.NotifyResume(0, "xyz")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-requests:
		if strings.Contains(payload.Embeds[0].Description, "abc") {
			t.Fatalf("expected disabled skip event to be absent, got %q", payload.Embeds[0].Description)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
}

func TestRenderTemplateLeavesUnknownPlaceholdersLiteral(t *testing.T) {
	got := renderTemplate("video {videoId} at {unknownField}", map[string]string{"videoId": "abc"})
	want := "video abc at {unknownField}"
	if got != want {
		t.Fatalf("renderTemplate() = %q, want %q", got, want)
	}
}

func TestTemplateForUsesConfigOverride(t *testing.T) {
	overrides := map[string]string{eventbus.NotifyKindResume: "back to {videoId}"}
	got := templateFor(overrides, eventbus.NotifyKindResume)
	if got != "back to {videoId}" {
		t.Fatalf("templateFor() = %q, want override", got)
	}
	if templateFor(overrides, eventbus.NotifyKindCritical) != defaultTemplates[eventbus.NotifyKindCritical] {
		t.Fatal("expected fallback to default template for an unoverridden kind")
	}
}
