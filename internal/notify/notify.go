// Package notify delivers review decision notifications to external
// consumers.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/variomedb/variome/internal/model"
)

// Event describes one review decision for downstream consumers.
type Event struct {
	Action     string         `json:"action"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Actor      string         `json:"actor"`
	Item       map[string]any `json:"item,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier dispatches review decision events. Delivery is best-effort:
// callers log failures and move on, they never roll back the decision.
type Notifier interface {
	NotifyDecision(ctx context.Context, item model.ReviewQueueItem, action, actor string) error
}

// Webhook posts decision events as JSON to a configured URL.
type Webhook struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewWebhook creates a webhook notifier. Secret, when set, is sent as
// X-API-Key so the receiver can authenticate the sender.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *Webhook) NotifyDecision(ctx context.Context, item model.ReviewQueueItem, action, actor string) error {
	body, err := json.Marshal(Event{
		Action:     action,
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Actor:      actor,
		Item: map[string]any{
			"id":       item.ID.String(),
			"status":   item.Status,
			"priority": item.Priority,
			"issues":   item.Issues,
		},
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set("X-API-Key", w.secret)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: webhook status %d: %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Noop discards all events. Used when no webhook URL is configured.
type Noop struct{}

func (Noop) NotifyDecision(ctx context.Context, item model.ReviewQueueItem, action, actor string) error {
	return nil
}
