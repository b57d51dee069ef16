package notifier

import (
	"context"
	"net/http"
	"strings"
	"time"

	appconfig "walletwatch/config"
	"walletwatch/internal/engine"
)

// TelegramSender calls the Bot API sendMessage method.
type TelegramSender struct {
	base
	client   *http.Client
	endpoint string
	chatID   string
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func NewTelegramSender(cfg appconfig.TelegramConfig, timeout time.Duration) (*TelegramSender, error) {
	b, err := newBase("telegram", cfg.MinTier, cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	api := cfg.APIURL
	if api == "" {
		api = "https://api.telegram.org"
	}
	if err := validateURL("telegram.api_url", api); err != nil {
		return nil, err
	}
	return &TelegramSender{
		base:     b,
		client:   newHTTPClient(timeout),
		endpoint: strings.TrimRight(api, "/") + "/bot" + cfg.BotToken + "/sendMessage",
		chatID:   cfg.ChatID,
	}, nil
}

func (s *TelegramSender) Send(ctx context.Context, n Notification) error {
	return s.postJSON(ctx, s.client, s.endpoint, nil, telegramMessage{
		ChatID:                s.chatID,
		Text:                  n.Render(engine.PlatformMarkdown),
		DisableWebPagePreview: true,
	})
}
