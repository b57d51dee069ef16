package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"walletwatch/models"
)

const userAgent = "walletwatch/1"

// Sender delivers notifications to one channel.
type Sender interface {
	Name() string
	MinTier() models.Tier
	// Cooldown is the minimum spacing between two messages about the same
	// wallet. Zero disables the per-sender throttle.
	Cooldown() time.Duration
	Send(ctx context.Context, n Notification) error
}

// base holds the routing settings every sender shares.
type base struct {
	name     string
	minTier  models.Tier
	cooldown time.Duration
}

func newBase(name, minTier string, cooldown time.Duration) (base, error) {
	tier, err := models.ParseTier(minTier)
	if err != nil {
		return base{}, &models.ConfigurationError{Field: "notifications." + name + ".min_tier", Reason: err.Error()}
	}
	return base{name: name, minTier: tier, cooldown: cooldown}, nil
}

func (b base) Name() string            { return b.name }
func (b base) MinTier() models.Tier    { return b.minTier }
func (b base) Cooldown() time.Duration { return b.cooldown }

func (b base) fail(retryable bool, err error) error {
	return &models.DispatchError{Channel: b.name, Retryable: retryable, Err: err}
}

// postJSON sends body as JSON. Transport errors, 429 and 5xx responses are
// retryable; other non-2xx responses are not.
func (b base) postJSON(ctx context.Context, client *http.Client, endpoint string, headers map[string]string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return b.fail(false, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return b.fail(false, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return b.fail(false, ctx.Err())
		}
		return b.fail(true, fmt.Errorf("post %s: %w", RedactURL(endpoint), err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	retry := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return b.fail(retry, fmt.Errorf("post %s: status %d: %s", RedactURL(endpoint), resp.StatusCode, bytes.TrimSpace(respBody)))
}

// RedactURL strips the path, query and credentials from a URL for logging.
// Webhook and bot URLs carry their secret in the path.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<redacted>"
	}
	return u.Scheme + "://" + u.Host + "/..."
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &models.ConfigurationError{Field: "notifications." + name, Reason: fmt.Sprintf("invalid url: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &models.ConfigurationError{Field: "notifications." + name, Reason: fmt.Sprintf("url must use http or https, got %q", u.Scheme)}
	}
	if u.Host == "" {
		return &models.ConfigurationError{Field: "notifications." + name, Reason: "url must include a host"}
	}
	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
