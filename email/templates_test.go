package email

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"section-notifier/pkg/notifier"
)

type staticTokens struct{}

func (staticTokens) TokenFromEmail(email string) string { return "tok-" + email }

func testSender(provider Provider) *Sender {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(provider, staticTokens{}, logger, "http://localhost:8080", "ops@example.com")
}

func TestNoticeBodyOneParagraphPerItem(t *testing.T) {
	s := testSender(nil)
	notice := &notifier.Notice{
		Items: []notifier.ItemID{"CIS*2500", "CIS*3260", "CIS*4650"},
		Records: map[notifier.ItemID][]notifier.Record{
			"CIS*2500": {{"CIS*2500*01", "Intermediate Programming"}},
			"CIS*3260": {{"CIS*3260*01", "Software Design IV"}, {"CIS*3260*02", "Software Design IV"}},
		},
		Recipients: []string{"a@example.com", "b@example.com"},
		Blind:      true,
	}

	body := s.formatNoticeBody(notice)

	if got := strings.Count(body, `<div class="item">`); got != 2 {
		t.Errorf("item paragraphs = %d, want 2 (empty items contribute none)", got)
	}
	if strings.Contains(body, "CIS*4650") {
		t.Error("item without records should not be rendered")
	}
	if got := strings.Count(body, `<div class="record">`); got != 3 {
		t.Errorf("records = %d, want 3", got)
	}
	if !strings.Contains(body, "CIS*3260*01<br>Software Design IV") {
		t.Error("record fields should be joined with line breaks")
	}
	if strings.Contains(body, "/unsubscribe") {
		t.Error("blind notice must not carry a personal unsubscribe link")
	}
}

func TestNoticeBodyPersonalLink(t *testing.T) {
	s := testSender(nil)
	notice := &notifier.Notice{
		Items:      []notifier.ItemID{"CIS*3260"},
		Records:    map[notifier.ItemID][]notifier.Record{"CIS*3260": {{"CIS*3260*01"}}},
		Recipients: []string{"u1@example.com"},
	}

	body := s.formatNoticeBody(notice)

	want := "http://localhost:8080/unsubscribe?email=u1%40example.com&amp;item=CIS%2A3260&amp;token=tok-u1%40example.com"
	if !strings.Contains(body, want) {
		t.Errorf("missing unsubscribe link %q in:\n%s", want, body)
	}
}

func TestNoticeBodyEscapesRecords(t *testing.T) {
	s := testSender(nil)
	notice := &notifier.Notice{
		Items:   []notifier.ItemID{"CIS*3260"},
		Records: map[notifier.ItemID][]notifier.Record{"CIS*3260": {{"<script>alert(1)</script>"}}},
	}

	body := s.formatNoticeBody(notice)
	if strings.Contains(body, "<script>") {
		t.Error("record text must be escaped")
	}
}

func TestNoticeSubject(t *testing.T) {
	tests := []struct {
		name  string
		items []notifier.ItemID
		want  string
	}{
		{"none", nil, "Course sections available"},
		{"one", []notifier.ItemID{"CIS*3260"}, "CIS*3260 has open sections"},
		{"many", []notifier.ItemID{"CIS*2500", "CIS*3260"}, "Open sections: CIS*2500, CIS*3260"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := noticeSubject(tt.items); got != tt.want {
				t.Errorf("noticeSubject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWelcomeBody(t *testing.T) {
	s := testSender(nil)
	body := s.formatWelcomeBody("u1@example.com", []notifier.ItemID{"CIS*3260", "CIS*2500"})

	for _, want := range []string{"<li>CIS*3260</li>", "<li>CIS*2500</li>", "/unsubscribe?"} {
		if !strings.Contains(body, want) {
			t.Errorf("welcome body missing %q", want)
		}
	}
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"<script>", "&lt;script&gt;"},
		{"hello & goodbye", "hello &amp; goodbye"},
		{`"quotes"`, "&quot;quotes&quot;"},
		{"it's", "it&#39;s"},
		{"<b>test</b>", "&lt;b&gt;test&lt;/b&gt;"},
	}

	for _, tt := range tests {
		result := escapeHTML(tt.input)
		if result != tt.expected {
			t.Errorf("escapeHTML(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestBuildMIME(t *testing.T) {
	msg := &Message{
		From:     "ops@example.com",
		To:       []string{"ops@example.com"},
		Bcc:      []string{"a@example.com", "b@example.com"},
		Subject:  "Hi\r\nBcc: evil@example.com",
		HTMLBody: "<p>x</p>",
	}

	withBcc := buildMIME(msg, true)
	if !strings.Contains(withBcc, "Bcc: a@example.com, b@example.com\r\n") {
		t.Errorf("missing Bcc header:\n%s", withBcc)
	}
	if strings.Contains(withBcc, "\r\nBcc: evil") {
		t.Error("subject newline should be stripped")
	}

	plain := buildMIME(msg, false)
	if strings.Contains(plain, "\r\nBcc:") || strings.Contains(plain, "b@example.com") {
		t.Errorf("Bcc header must be omitted for SMTP:\n%s", plain)
	}
	if !strings.Contains(plain, "Subject: HiBcc: evil@example.com\r\n") {
		t.Errorf("subject should be flattened onto one line:\n%s", plain)
	}
	if !strings.HasSuffix(plain, "\r\n\r\n<p>x</p>") {
		t.Error("body should follow a blank line")
	}
}
