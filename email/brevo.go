package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends through the Brevo transactional email API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	apiKey   string
	fromName string
	endpoint string
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		apiKey:   apiKey,
		fromName: fromName,
		endpoint: brevoEndpoint,
	}
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Bcc     []brevoContact `json:"bcc,omitempty"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

// brevoReply covers both the success body and the error body.
type brevoReply struct {
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func contacts(addrs []string) []brevoContact {
	out := make([]brevoContact, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, brevoContact{Email: a})
	}
	return out
}

// Send posts msg. Brevo validates the whole request, so recipients are
// accepted together or the call fails.
func (b *BrevoProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: msg.From, Name: b.fromName},
		To:      contacts(msg.To),
		Bcc:     contacts(msg.Bcc),
		Subject: msg.Subject,
		HTML:    msg.HTMLBody,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	err = retry.Do(func() error {
		return b.post(ctx, payload, len(msg.To)+len(msg.Bcc))
	}, sendPolicy(ctx, b.logger, "brevo")...)
	if err != nil {
		return nil, fmt.Errorf("brevo send: %w", err)
	}
	return acceptAll(msg), nil
}

func (b *BrevoProvider) post(ctx context.Context, payload []byte, recipients int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("Brevo API request failed", "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	var reply brevoReply
	// Error bodies are small JSON objects; a body that fails to decode only loses detail.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&reply)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("HTTP %d: %s %s", resp.StatusCode, reply.Code, reply.Message)
		b.logger.Warn("Brevo API returned error", "status_code", resp.StatusCode, "code", reply.Code)
		if permanentStatus(resp.StatusCode) {
			return retry.Unrecoverable(err)
		}
		return err
	}

	b.logger.Info("Brevo message sent",
		"message_id", reply.MessageID,
		"recipient_count", recipients,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
