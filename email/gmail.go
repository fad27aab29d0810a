package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider submits raw MIME messages through the Gmail API as the
// authenticated user.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger}
}

// Send submits msg. Gmail routes on the Bcc header and strips it before
// delivery, and it accepts or rejects a message as a whole.
func (g *GmailProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	raw := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(buildMIME(msg, true)))}
	recipients := len(msg.To) + len(msg.Bcc)

	err := retry.Do(func() error {
		start := time.Now()
		sent, err := g.service.Users.Messages.Send("me", raw).Context(ctx).Do()
		elapsed := time.Since(start).Milliseconds()
		if err != nil {
			var apiErr *googleapi.Error
			if errors.As(err, &apiErr) && permanentStatus(apiErr.Code) {
				g.logger.Warn("Gmail API rejected message", "status_code", apiErr.Code, "recipient_count", recipients, "error", err)
				return retry.Unrecoverable(err)
			}
			g.logger.Warn("Gmail API send failed", "recipient_count", recipients, "duration_ms", elapsed, "error", err)
			return err
		}
		g.logger.Info("Gmail message sent",
			"message_id", sent.Id,
			"recipient_count", recipients,
			"subject", msg.Subject,
			"duration_ms", elapsed)
		return nil
	}, sendPolicy(ctx, g.logger, "gmail")...)
	if err != nil {
		return nil, fmt.Errorf("gmail send: %w", err)
	}
	return acceptAll(msg), nil
}
