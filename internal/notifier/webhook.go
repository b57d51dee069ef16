package notifier

import (
	"context"
	"net/http"
	"time"

	appconfig "walletwatch/config"
	"walletwatch/internal/engine"
	"walletwatch/models"
)

// WebhookEnvelope is the JSON payload POSTed to generic webhook endpoints.
type WebhookEnvelope struct {
	// Type identifies the notification kind.
	Type string `json:"type"`
	// SchemaVersion allows consumers to detect breaking changes.
	SchemaVersion string `json:"schema_version"`
	// ID is the id of the latest alert, stable across redelivery.
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	// BatchSize is the number of alerts summarised in Message.
	BatchSize int          `json:"batch_size"`
	Alert     models.Alert `json:"alert"`
}

// NewWebhookEnvelope wraps a notification for webhook and Kafka consumers.
func NewWebhookEnvelope(n Notification, now time.Time) WebhookEnvelope {
	latest := n.Latest()
	return WebhookEnvelope{
		Type:          "walletwatch.alert",
		SchemaVersion: "1",
		ID:            latest.ID,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Message:       n.Render(engine.PlatformPlain),
		BatchSize:     len(n.Alerts),
		Alert:         latest,
	}
}

// WebhookSender posts WebhookEnvelope payloads to a configured URL.
type WebhookSender struct {
	base
	client  *http.Client
	url     string
	headers map[string]string
}

func NewWebhookSender(cfg appconfig.WebhookConfig, timeout time.Duration) (*WebhookSender, error) {
	b, err := newBase("webhook", cfg.MinTier, cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	if err := validateURL("webhook.url", cfg.URL); err != nil {
		return nil, err
	}
	return &WebhookSender{base: b, client: newHTTPClient(timeout), url: cfg.URL, headers: cfg.Headers}, nil
}

func (s *WebhookSender) Send(ctx context.Context, n Notification) error {
	return s.postJSON(ctx, s.client, s.url, s.headers, NewWebhookEnvelope(n, time.Now()))
}
