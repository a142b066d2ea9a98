package push

import (
	"context"
	"log/slog"
	"sync"
)

// Sent is one message captured by MockProvider.
type Sent struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
}

// MockProvider logs pushes instead of sending them. It is used when no
// provider is configured and in tests. Unless ConfirmDeliveries is called it
// reports that nothing reaches the user, so callers keep items pending.
type MockProvider struct {
	logger *slog.Logger

	mu      sync.Mutex
	sent    []Sent
	fail    func(title string) error
	confirm bool
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Name implements Provider.
func (m *MockProvider) Name() string { return "mock" }

// Delivers reports whether a successful Send counts as delivered.
func (m *MockProvider) Delivers() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.confirm
}

// ConfirmDeliveries makes successful sends count as delivered.
func (m *MockProvider) ConfirmDeliveries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirm = true
}

// FailWith makes Send return the error fn reports for a title (nil succeeds).
func (m *MockProvider) FailWith(fn func(title string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Send records and logs the push.
func (m *MockProvider) Send(_ context.Context, title, body, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		if err := m.fail(title); err != nil {
			return &DeliveryError{Provider: m.Name(), Err: err}
		}
	}
	m.sent = append(m.sent, Sent{Title: title, Body: body, URL: link})
	m.logger.Info("MOCK PUSH",
		"title", title,
		"body_length", len(body),
		"url", link)
	return nil
}

// Sent returns the pushes recorded so far.
func (m *MockProvider) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Reset forgets recorded pushes.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
