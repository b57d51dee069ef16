package notifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	appconfig "walletwatch/config"
	"walletwatch/internal/engine"
	"walletwatch/models"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers HTML mail over SMTP. smtp.SendMail upgrades the
// connection with STARTTLS when the server offers it.
type EmailSender struct {
	base
	addr     string
	auth     smtp.Auth
	from     string
	to       []string
	sendMail sendMailFunc
}

func NewEmailSender(cfg appconfig.EmailConfig) (*EmailSender, error) {
	b, err := newBase("email", cfg.MinTier, cfg.Cooldown)
	if err != nil {
		return nil, err
	}
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, &models.ConfigurationError{Field: "notifications.email", Reason: "host, from and to are required"}
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailSender{
		base:     b,
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		auth:     auth,
		from:     cfg.From,
		to:       cfg.To,
		sendMail: smtp.SendMail,
	}, nil
}

func (s *EmailSender) Send(ctx context.Context, n Notification) error {
	msg := s.message(n, time.Now())

	// smtp.SendMail has no context support; run it aside so cancellation
	// releases the worker.
	done := make(chan error, 1)
	go func() { done <- s.sendMail(s.addr, s.auth, s.from, s.to, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return s.fail(isTransientSMTP(err), fmt.Errorf("send mail: %w", err))
		}
		return nil
	case <-ctx.Done():
		return s.fail(false, ctx.Err())
	}
}

func (s *EmailSender) message(n Notification, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.to, ", "))
	fmt.Fprintf(&b, "Subject: WalletWatch Alert: %s\r\n", n.Subject())
	fmt.Fprintf(&b, "Date: %s\r\n", now.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString("<html><body>\r\n")
	b.WriteString(n.Render(engine.PlatformHTML))
	b.WriteString("\r\n</body></html>\r\n")
	return []byte(b.String())
}

// isTransientSMTP treats network failures and 4xx replies as retryable.
func isTransientSMTP(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code >= 400 && protoErr.Code < 500
	}
	return false
}
