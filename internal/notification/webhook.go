package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/catherinevee/remediator/internal/shared/errors"
)

// WebhookNotifier posts the message as JSON to a URL. Transport errors and
// 5xx responses are retried with backoff; other statuses are not.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	backoff errors.BackoffConfig
}

// NewWebhookNotifier creates a webhook notifier. A nil client gets a 10s
// timeout default.
func NewWebhookNotifier(url string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{
		url:    url,
		client: client,
		backoff: errors.BackoffConfig{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   5 * time.Second,
		},
	}
}

// WithBackoff replaces the retry schedule.
func (w *WebhookNotifier) WithBackoff(cfg errors.BackoffConfig) *WebhookNotifier {
	w.backoff = cfg
	return w
}

// Name implements Notifier.
func (w *WebhookNotifier) Name() string { return ChannelWebhook }

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(map[string]any{
		"notification": msg,
		"timestamp":    time.Now().Unix(),
		"source":       "remediator",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	return errors.RetryWithExponentialBackoff(ctx, func() error {
		return w.post(ctx, payload, msg.Priority)
	}, w.backoff)
}

func (w *WebhookNotifier) post(ctx context.Context, payload []byte, priority Priority) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return errors.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Remediator-Priority", string(priority))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return errors.Permanent(fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
}
