package email

import (
	"context"
	"log/slog"
	"strings"
)

// MockProvider is a mock email provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it and accepts every recipient.
func (m *MockProvider) Send(_ context.Context, msg *Message) (*Result, error) {
	m.logger.Info("MOCK EMAIL",
		"from", msg.From,
		"to", strings.Join(msg.To, ","),
		"bcc_count", len(msg.Bcc),
		"subject", msg.Subject,
		"body_length", len(msg.HTMLBody))
	return acceptAll(msg), nil
}
