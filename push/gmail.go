package push

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider mails each push to a fixed address via the Gmail API.
type GmailProvider struct {
	service *gmail.Service
	to      string
	logger  *slog.Logger
	delay   time.Duration
}

// NewGmailProvider creates a Gmail push provider delivering to "to".
func NewGmailProvider(service *gmail.Service, to string, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		to:      to,
		logger:  logger,
		delay:   time.Second,
	}
}

// Name implements Provider.
func (g *GmailProvider) Name() string { return "gmail" }

// sanitizeHeader removes newlines and control characters so a value cannot
// inject headers.
func sanitizeHeader(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// buildRaw renders the RFC 5322 message in the encoding the Gmail API expects.
func buildRaw(to, title, body, link string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeHeader(title))))
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	if link != "" {
		msg.WriteString("\r\n\r\n")
		msg.WriteString(link)
	}
	return base64.URLEncoding.EncodeToString([]byte(msg.String()))
}

// Send sends the push as an email via the Gmail API.
func (g *GmailProvider) Send(ctx context.Context, title, body, link string) error {
	raw := buildRaw(g.to, title, body, link)

	return retry.Do(
		func() error {
			g.logger.Info("Gmail API request starting",
				"method", "POST",
				"endpoint", "users.messages.send",
				"subject", title)

			startTime := time.Now()
			_, err := g.service.Users.Messages.Send("me", &gmail.Message{
				Raw: raw,
			}).Context(ctx).Do()
			duration := time.Since(startTime)

			if err != nil {
				g.logger.Warn("Gmail API send failed, will retry",
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return &DeliveryError{Provider: g.Name(), Err: err}
			}

			g.logger.Info("Gmail API request completed",
				"endpoint", "users.messages.send",
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(3),
		retry.Delay(g.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(g.delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail push after error", "attempt", n, "error", err)
		}),
	)
}
