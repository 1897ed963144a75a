// Package webhook delivers call lifecycle events to the backend.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tvasile/voicegw/internal/observe"
)

const deliveryTimeout = 5 * time.Second

// Notifier posts call events. A Notifier with an empty URL discards events,
// so callers never need to special-case an unconfigured webhook.
type Notifier struct {
	url     string
	client  *http.Client
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a notifier for url.
func New(url string, metrics *observe.Metrics, log *slog.Logger) *Notifier {
	return &Notifier{
		url:     url,
		client:  &http.Client{Timeout: deliveryTimeout},
		metrics: metrics,
		log:     log,
	}
}

// Notify posts one event. Failures are logged and counted, never propagated:
// webhook delivery must not influence call handling.
func (n *Notifier) Notify(ctx context.Context, event, callID, sessionID string, data map[string]any) {
	if n.url == "" {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"event":     event,
		"callId":    callID,
		"sessionId": sessionID,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"data":      data,
	})
	if err != nil {
		n.log.Warn("webhook marshal failed", "event", event, "error", err)
		return
	}

	if err := n.deliver(ctx, payload); err != nil {
		n.log.Warn("webhook delivery failed", "event", event, "error", err)
		n.metrics.WebhookErrors.Add(ctx, 1)
		return
	}
	n.log.Debug("webhook delivered", "event", event, "call_id", callID)
}

func (n *Notifier) deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}
