package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tvasile/voicegw/internal/observe"
)

func TestNotifyPostsEventPayload(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := New(srv.URL, observe.DefaultMetrics(), slog.New(slog.DiscardHandler))
	n.Notify(context.Background(), "call_started", "call_7", "sess-1", map[string]any{
		"caller_id": "+15551234567",
	})

	if got["event"] != "call_started" || got["callId"] != "call_7" || got["sessionId"] != "sess-1" {
		t.Errorf("payload = %v", got)
	}
	data, _ := got["data"].(map[string]any)
	if data["caller_id"] != "+15551234567" {
		t.Errorf("data = %v", data)
	}
	if got["timestamp"] == "" {
		t.Error("timestamp missing")
	}
}

func TestNotifyEmptyURLIsNoop(t *testing.T) {
	t.Parallel()

	n := New("", observe.DefaultMetrics(), slog.New(slog.DiscardHandler))
	// Must not panic or attempt network I/O.
	n.Notify(context.Background(), "call_ended", "call_7", "sess-1", nil)
}

func TestNotifyDeliveryFailureIsSwallowed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(srv.URL, observe.DefaultMetrics(), slog.New(slog.DiscardHandler))
	n.Notify(context.Background(), "call_ended", "call_7", "sess-1", nil)
}
