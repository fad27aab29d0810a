// Package email handles sending notification emails via multiple providers.
package email

import (
	"context"
	"log/slog"

	"section-notifier/pkg/notifier"
)

// Message is one outgoing email.
type Message struct {
	From     string
	Subject  string
	HTMLBody string
	To       []string
	Bcc      []string
}

// Recipients returns To followed by Bcc.
func (m *Message) Recipients() []string {
	out := make([]string, 0, len(m.To)+len(m.Bcc))
	out = append(out, m.To...)
	return append(out, m.Bcc...)
}

// Result partitions the recipients of a sent message.
type Result struct {
	Accepted []string
	Rejected []string
}

// acceptAll is the result for providers that accept or fail a message as a whole.
func acceptAll(msg *Message) *Result {
	return &Result{Accepted: msg.Recipients()}
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send submits msg. A nil error with rejected recipients is a partial delivery.
	Send(ctx context.Context, msg *Message) (*Result, error)
}

// Tokener derives unsubscribe tokens.
type Tokener interface {
	TokenFromEmail(email string) string
}

// Sender sends notification emails using a pluggable provider.
type Sender struct {
	provider Provider
	tokens   Tokener
	logger   *slog.Logger
	baseURL  string // For links in emails
	fromAddr string // Operator address, sender and visible recipient
}

// New creates a new email sender with the given provider. tokens may be nil,
// in which case emails carry no personal unsubscribe link.
func New(provider Provider, tokens Tokener, logger *slog.Logger, baseURL, fromAddr string) *Sender {
	return &Sender{
		provider: provider,
		tokens:   tokens,
		logger:   logger,
		baseURL:  baseURL,
		fromAddr: fromAddr,
	}
}

// SendNotice sends one availability notice. Blind notices go to the operator
// with subscribers in Bcc.
func (s *Sender) SendNotice(ctx context.Context, notice *notifier.Notice) (*notifier.Outcome, error) {
	msg := &Message{
		From:     s.fromAddr,
		Subject:  noticeSubject(notice.Items),
		HTMLBody: s.formatNoticeBody(notice),
	}
	if notice.Blind {
		msg.To = []string{s.fromAddr}
		msg.Bcc = notice.Recipients
	} else {
		msg.To = notice.Recipients
	}

	s.logger.Info("Sending notification email",
		"subject", msg.Subject,
		"recipient_count", len(notice.Recipients),
		"blind", notice.Blind,
		"item_count", len(notice.Items))

	res, err := s.provider.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	return &notifier.Outcome{Accepted: res.Accepted, Rejected: res.Rejected}, nil
}

// SendWelcome sends a confirmation email when a user subscribes.
func (s *Sender) SendWelcome(ctx context.Context, address string, items []notifier.ItemID) error {
	msg := &Message{
		From:     s.fromAddr,
		To:       []string{address},
		Subject:  "Course section alerts confirmed",
		HTMLBody: s.formatWelcomeBody(address, items),
	}

	s.logger.Info("Sending welcome email", "to", address, "item_count", len(items))

	res, err := s.provider.Send(ctx, msg)
	if err != nil {
		return err
	}
	if len(res.Accepted) == 0 {
		return &notifier.TransportError{Key: "welcome", Recipients: 1, Err: errRejected}
	}
	return nil
}
