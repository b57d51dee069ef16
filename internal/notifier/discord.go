package notifier

import (
	"context"
	"net/http"
	"time"

	appconfig "walletwatch/config"
	"walletwatch/internal/engine"
)

const discordMaxContent = 2000

// DiscordSender posts markdown messages to a Discord webhook.
type DiscordSender struct {
	base
	client     *http.Client
	webhookURL string
}

func NewDiscordSender(cfg appconfig.DiscordConfig, timeout time.Duration) (*DiscordSender, error) {
	b, err := newBase("discord", cfg.MinTier, cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	if err := validateURL("discord.webhook_url", cfg.WebhookURL); err != nil {
		return nil, err
	}
	return &DiscordSender{base: b, client: newHTTPClient(timeout), webhookURL: cfg.WebhookURL}, nil
}

func (s *DiscordSender) Send(ctx context.Context, n Notification) error {
	content := n.Render(engine.PlatformMarkdown)
	if r := []rune(content); len(r) > discordMaxContent {
		content = string(r[:discordMaxContent-1]) + "…"
	}
	return s.postJSON(ctx, s.client, s.webhookURL, nil, map[string]string{"content": content})
}
