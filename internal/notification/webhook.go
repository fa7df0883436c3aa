package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// WebhookNotifier POSTs alerts as JSON to an HTTP endpoint. The alert kind is
// also sent as the X-Alert-Kind header for receivers that route on it.
type WebhookNotifier struct {
	url     string
	service string
	client  *http.Client
}

// webhookPayload is the body receivers see.
type webhookPayload struct {
	Service string    `json:"service"`
	Level   string    `json:"level"`
	Kind    string    `json:"kind,omitempty"`
	Token   string    `json:"token,omitempty"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	TS      time.Time `json:"ts"`
}

// NewWebhookNotifier creates a webhook notifier.
// url: The HTTP endpoint to POST alerts to.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:     url,
		service: "trader",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Service: w.service,
		Level:   string(alert.Level),
		Kind:    string(alert.Kind),
		Token:   alert.Token,
		Title:   alert.Title,
		Message: alert.Message,
		TS:      alert.at().UTC(),
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if alert.Kind != "" {
		req.Header.Set("X-Alert-Kind", string(alert.Kind))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: %s alert: unexpected status %d", alert.Kind, resp.StatusCode)
	}

	log.Printf("[webhook] sent %s alert for %s: %s", alert.Kind, alert.Token, alert.Title)
	return nil
}
