package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// SMTPProvider sends through an SMTP relay and reports each RCPT TO reply.
type SMTPProvider struct {
	dialer   *net.Dialer
	logger   *slog.Logger
	host     string
	addr     string
	username string
	password string
}

// NewSMTPProvider creates an SMTP provider. Authentication is skipped when
// username is empty.
func NewSMTPProvider(host string, port int, username, password string, logger *slog.Logger) *SMTPProvider {
	return &SMTPProvider{
		dialer:   &net.Dialer{Timeout: 30 * time.Second},
		logger:   logger,
		host:     host,
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		username: username,
		password: password,
	}
}

// Send delivers msg. Recipients refused at RCPT TO are returned as rejected;
// the message is still sent to the rest.
func (p *SMTPProvider) Send(ctx context.Context, msg *Message) (*Result, error) {
	var result *Result

	err := retry.Do(
		func() error {
			startTime := time.Now()
			res, err := p.sendOnce(ctx, msg)
			if err != nil {
				p.logger.Warn("SMTP send failed",
					"addr", p.addr,
					"duration_ms", time.Since(startTime).Milliseconds(),
					"error", err)
				return err
			}
			p.logger.Info("SMTP send completed",
				"addr", p.addr,
				"accepted", len(res.Accepted),
				"rejected", len(res.Rejected),
				"duration_ms", time.Since(startTime).Milliseconds())
			result = res
			return nil
		},
		sendPolicy(ctx, p.logger, "smtp", retry.RetryIf(isTransientSMTP))...,
	)
	if err != nil {
		return nil, fmt.Errorf("smtp send: %w", err)
	}
	return result, nil
}

func (p *SMTPProvider) sendOnce(ctx context.Context, msg *Message) (*Result, error) {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	c, err := smtp.NewClient(conn, p.host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("greeting: %w", err)
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
			p.logger.Debug("SMTP close failed", "error", closeErr)
		}
	}()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: p.host, MinVersion: tls.VersionTLS12}); err != nil {
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	if p.username != "" {
		if err := c.Auth(smtp.PlainAuth("", p.username, p.password, p.host)); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(msg.From); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}

	res := &Result{}
	for _, rcpt := range msg.Recipients() {
		if err := c.Rcpt(rcpt); err != nil {
			p.logger.Info("SMTP recipient refused", "recipient", rcpt, "error", err)
			res.Rejected = append(res.Rejected, rcpt)
			continue
		}
		res.Accepted = append(res.Accepted, rcpt)
	}

	if len(res.Accepted) == 0 {
		if err := c.Reset(); err != nil {
			p.logger.Debug("SMTP reset failed", "error", err)
		}
		return res, nil
	}

	w, err := c.Data()
	if err != nil {
		return nil, fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write([]byte(buildMIME(msg, false))); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("end data: %w", err)
	}

	// The message is queued once DATA is acknowledged; a failed QUIT does not undo that.
	if err := c.Quit(); err != nil {
		p.logger.Debug("SMTP quit failed", "error", err)
	}
	return res, nil
}

// isTransientSMTP reports whether a send is worth retrying. Permanent (5xx)
// server replies are not.
func isTransientSMTP(err error) bool {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code < 500
	}
	return true
}
