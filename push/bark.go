package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBarkServer is used when the endpoint is a bare device token.
const DefaultBarkServer = "https://api.day.app"

// BarkProvider sends pushes via a Bark server.
type BarkProvider struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	attempts uint
	delay    time.Duration
}

// NormalizeBarkEndpoint accepts "https://host/<token>", "host/<token>" or a
// bare "<token>" and returns the full endpoint URL.
func NormalizeBarkEndpoint(endpoint string) (string, error) {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" {
		return "", errors.New("bark endpoint is empty")
	}
	if !strings.Contains(ep, "://") {
		if !strings.Contains(ep, "/") {
			ep = DefaultBarkServer + "/" + ep
		} else {
			ep = "https://" + ep
		}
	}
	u, err := url.Parse(ep)
	if err != nil || u.Scheme == "" || u.Host == "" {
		// The endpoint embeds the device token; keep it out of the error.
		return "", errors.New("invalid bark endpoint; use https://api.day.app/<token> or just <token>")
	}
	return ep, nil
}

// NewBarkProvider creates a Bark provider for endpoint.
func NewBarkProvider(endpoint string, logger *slog.Logger) (*BarkProvider, error) {
	ep, err := NormalizeBarkEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	return &BarkProvider{
		endpoint: ep,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		attempts: 3,
		delay:    time.Second,
	}, nil
}

// Name implements Provider.
func (b *BarkProvider) Name() string { return "bark" }

// pushURL builds endpoint/<title>/<body>?url=<link>.
func (b *BarkProvider) pushURL(title, body, link string) string {
	u := b.endpoint + "/" + url.PathEscape(title) + "/" + url.PathEscape(body)
	if link != "" {
		u += "?" + url.Values{"url": {link}}.Encode()
	}
	return u
}

// Send sends a push via the Bark API. Client errors are not retried.
func (b *BarkProvider) Send(ctx context.Context, title, body, link string) error {
	pushURL := b.pushURL(title, body, link)

	return retry.Do(
		func() error {
			b.logger.Info("Bark request starting", "title", title)

			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pushURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(&DeliveryError{Provider: b.Name(), Err: errors.New("build request")})
			}

			resp, err := b.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				// *url.Error repeats the request URL, which holds the token.
				var urlErr *url.Error
				if errors.As(err, &urlErr) {
					err = urlErr.Err
				}
				b.logger.Warn("Bark request failed, will retry",
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return &DeliveryError{Provider: b.Name(), Err: err}
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					b.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode >= http.StatusBadRequest {
				deliveryErr := &DeliveryError{Provider: b.Name(), Status: resp.StatusCode}
				if resp.StatusCode < http.StatusInternalServerError {
					b.logger.Warn("Bark rejected push", "status_code", resp.StatusCode)
					return retry.Unrecoverable(deliveryErr)
				}
				b.logger.Warn("Bark returned server error, will retry", "status_code", resp.StatusCode)
				return deliveryErr
			}

			b.logger.Info("Bark request completed",
				"duration_ms", duration.Milliseconds(),
				"status", "success")
			return nil
		},
		retry.Attempts(b.attempts),
		retry.Delay(b.delay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(b.delay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Bark push after error", "attempt", n, "error", err)
		}),
	)
}

// String hides the endpoint, which embeds the device token.
func (b *BarkProvider) String() string {
	return fmt.Sprintf("bark(%s)", hostOf(b.endpoint))
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "?"
	}
	return u.Host
}
