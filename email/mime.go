package email

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var errRejected = errors.New("all recipients rejected")

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func headerList(addrs []string) string {
	clean := make([]string, 0, len(addrs))
	for _, a := range addrs {
		clean = append(clean, sanitizeEmailHeader(a))
	}
	return strings.Join(clean, ", ")
}

// buildMIME renders msg as an RFC 5322 message. The Bcc header is only
// written for APIs that read it to route the message.
func buildMIME(msg *Message, withBcc bool) string {
	var b strings.Builder
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	if msg.From != "" {
		b.WriteString(fmt.Sprintf("From: %s\r\n", sanitizeEmailHeader(msg.From)))
	}
	if len(msg.To) > 0 {
		b.WriteString(fmt.Sprintf("To: %s\r\n", headerList(msg.To)))
	}
	if withBcc && len(msg.Bcc) > 0 {
		b.WriteString(fmt.Sprintf("Bcc: %s\r\n", headerList(msg.Bcc)))
	}
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeEmailHeader(msg.Subject)))
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	b.WriteString(msg.HTMLBody)
	return b.String()
}
