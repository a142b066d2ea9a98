package push

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNormalizeBarkEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "bare token", in: "abcDEF123", want: "https://api.day.app/abcDEF123"},
		{name: "host and token", in: "bark.example.com/tok/", want: "https://bark.example.com/tok"},
		{name: "full url", in: " http://10.0.0.2:8080/tok ", want: "http://10.0.0.2:8080/tok"},
		{name: "empty", in: "  ", wantErr: true},
		{name: "no host", in: "https:///tok", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeBarkEndpoint(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeBarkEndpoint(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeBarkEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func newTestBark(t *testing.T, endpoint string) *BarkProvider {
	t.Helper()
	b, err := NewBarkProvider(endpoint, discardLogger())
	if err != nil {
		t.Fatalf("NewBarkProvider: %v", err)
	}
	b.delay = time.Millisecond
	return b
}

func TestBarkSend(t *testing.T) {
	title := "[概率统计] 新作业"
	body := "HW1/2\n在线提交: 是"
	link := "https://bb.example/hw?a=1&b=2"

	var gotPath, gotLink string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotLink = r.URL.Query().Get("url")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := newTestBark(t, srv.URL+"/secret-token")
	if err := b.Send(context.Background(), title, body, link); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if want := "/secret-token/" + url.PathEscape(title) + "/" + url.PathEscape(body); gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
	if gotLink != link {
		t.Errorf("url param = %q, want %q", gotLink, link)
	}
}

func TestBarkSendErrors(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantAttempts int32
	}{
		{name: "client error is not retried", status: http.StatusBadRequest, wantAttempts: 1},
		{name: "server error is retried", status: http.StatusBadGateway, wantAttempts: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			b := newTestBark(t, srv.URL+"/secret-token")
			err := b.Send(context.Background(), "t", "b", "")
			var de *DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("Send() error = %v, want *DeliveryError", err)
			}
			if de.Status != tt.status {
				t.Errorf("Status = %d, want %d", de.Status, tt.status)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
			if strings.Contains(err.Error(), "secret-token") {
				t.Errorf("error leaks the token: %v", err)
			}
		})
	}
}

func TestBarkSendConnectionErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/secret-token"
	srv.Close()

	b := newTestBark(t, endpoint)
	err := b.Send(context.Background(), "t", "b", "")
	if !IsDeliveryError(err) {
		t.Fatalf("Send() error = %v, want delivery error", err)
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Errorf("error leaks the token: %v", err)
	}
	if strings.Contains(b.String(), "secret-token") {
		t.Errorf("String() leaks the token: %s", b)
	}
}

func TestBuildRaw(t *testing.T) {
	raw := buildRaw("me@example.com\r\nBcc: x@example.com", "[课程] 新通知\n", "line1\nline2", "https://bb.example/a")
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg := string(data)
	if strings.Contains(msg, "\r\nBcc:") {
		t.Errorf("header injection not prevented:\n%s", msg)
	}
	if !strings.Contains(msg, "Subject: =?utf-8?q?") {
		t.Errorf("subject not encoded:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "line1\r\nline2\r\n\r\nhttps://bb.example/a") {
		t.Errorf("body = %q", msg)
	}
}

func TestGmailSend(t *testing.T) {
	var got gmail.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/users/me/messages/send") {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"1"}`)
	}))
	defer srv.Close()

	ctx := context.Background()
	svc, err := gmail.NewService(ctx,
		option.WithEndpoint(srv.URL+"/"),
		option.WithHTTPClient(srv.Client()),
		option.WithoutAuthentication())
	if err != nil {
		t.Fatalf("gmail.NewService: %v", err)
	}

	g := NewGmailProvider(svc, "me@example.com", discardLogger())
	g.delay = time.Millisecond
	if err := g.Send(ctx, "title", "body", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Raw != buildRaw("me@example.com", "title", "body", "") {
		t.Errorf("raw message mismatch")
	}
}

func TestMockProvider(t *testing.T) {
	m := NewMockProvider(discardLogger())
	ctx := context.Background()
	if m.Delivers() {
		t.Errorf("a fresh mock must not claim delivery")
	}
	m.ConfirmDeliveries()
	if !m.Delivers() {
		t.Errorf("ConfirmDeliveries() did not take effect")
	}
	if err := m.Send(ctx, "a", "body", ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	m.FailWith(func(title string) error {
		if title == "b" {
			return errors.New("boom")
		}
		return nil
	})
	if err := m.Send(ctx, "b", "body", ""); !IsDeliveryError(err) {
		t.Errorf("Send(b) = %v, want delivery error", err)
	}
	if err := m.Send(ctx, "c", "body", "u"); err != nil {
		t.Errorf("Send(c) = %v", err)
	}

	sent := m.Sent()
	if len(sent) != 2 || sent[0].Title != "a" || sent[1].URL != "u" {
		t.Errorf("Sent() = %+v", sent)
	}
	m.Reset()
	if len(m.Sent()) != 0 {
		t.Errorf("Reset() kept messages")
	}
}
