// Package browser fetches portal pages over HTTP with the cookies of a
// previously captured browser session.
package browser

import (
	"bb-watcher/scraper"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// NavigationError is a failed page load. Transient reports whether the
// failure was a network condition worth retrying.
type NavigationError struct {
	URL       string
	Status    int
	transient bool
	Err       error
}

func (e *NavigationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("navigate %s: HTTP %d", e.URL, e.Status)
	}
	return fmt.Sprintf("navigate %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// Transient implements the retry classification used by the scraper.
func (e *NavigationError) Transient() bool { return e.transient }

// ErrSessionExpired is returned when the portal redirects to its login page.
var ErrSessionExpired = errors.New("session expired: portal redirected to login")

// HTTP is a Browser backed by a resty client. It holds one "page" at a time.
type HTTP struct {
	client *resty.Client
	logger *slog.Logger

	mu      sync.Mutex
	current string
	content string
}

// New creates an HTTP browser using the given cookie jar.
func New(jar http.CookieJar, logger *slog.Logger) *HTTP {
	client := resty.New()
	client.SetCookieJar(jar)
	client.SetHeader("User-Agent", userAgent)
	client.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	client.SetHeader("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	return &HTTP{client: client, logger: logger}
}

// Navigate loads url and keeps its markup as the current page.
func (b *HTTP) Navigate(ctx context.Context, url string, _ scraper.WaitPolicy, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := b.client.R().SetContext(ctx).Get(url)
	duration := time.Since(start)
	if err != nil {
		b.logger.Warn("HTTP request failed", "url", url, "duration_ms", duration.Milliseconds(), "error", err)
		return &NavigationError{URL: url, transient: isTransient(err), Err: err}
	}

	finalURL := url
	if raw := resp.RawResponse; raw != nil && raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL.String()
	}
	b.logger.Debug("HTTP request completed",
		"url", url,
		"final_url", finalURL,
		"status_code", resp.StatusCode(),
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode() >= http.StatusBadRequest {
		return &NavigationError{URL: url, Status: resp.StatusCode()}
	}
	if isLoginPage(finalURL) {
		return &NavigationError{URL: url, Err: ErrSessionExpired}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = finalURL
	b.content = resp.String()
	return nil
}

// CurrentURL returns the URL of the current page after redirects.
func (b *HTTP) CurrentURL() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Content returns the markup of the current page.
func (b *HTTP) Content(context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == "" {
		return "", errors.New("no page loaded")
	}
	return b.content, nil
}

// Wait pauses for d or until ctx is done.
func (b *HTTP) Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isLoginPage(u string) bool {
	return strings.Contains(u, "/webapps/login")
}

// isTransient maps network failures to the retryable set: connection reset,
// name resolution failure, timeout, and lost connectivity.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ENETUNREACH, syscall.ENETDOWN, syscall.EHOSTUNREACH, syscall.ETIMEDOUT} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

// sessionCookie is one cookie of a captured browser session state file.
type sessionCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
}

// LoadSessionJar builds a cookie jar from a captured session state file
// (a JSON document with a "cookies" array).
func LoadSessionJar(path string) (*cookiejar.Jar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session state: %w", err)
	}
	var state struct {
		Cookies []sessionCookie `json:"cookies"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse session state: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	for _, c := range state.Cookies {
		host := strings.TrimPrefix(c.Domain, ".")
		if host == "" || c.Name == "" {
			continue
		}
		path := c.Path
		if path == "" {
			path = "/"
		}
		scheme := "http"
		if c.Secure {
			scheme = "https"
		}
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if strings.HasPrefix(c.Domain, ".") {
			cookie.Domain = host
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		jar.SetCookies(&url.URL{Scheme: scheme, Host: host, Path: path}, []*http.Cookie{cookie})
	}
	return jar, nil
}
