package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"section-notifier/config"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`items: ["CIS*3260"]
source_url: static
static_sections:
  "CIS*3260":
    - "CIS*3260*0101\n\nObject Oriented Programming\n\nOpen\n\n12 / 40"
  "ENGG*1500": []
timezone: UTC
store:
  driver: file
  path: %q
mail:
  provider: mock
http:
  token_salt: test-salt
log:
  level: error
  format: text
`, filepath.Join(dir, "data"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLISubscribePollUnsubscribe(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "subscribe", "Student@Example.com", "cis*3260", "ENGG*1500")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !strings.Contains(out, "subscribed student@example.com to CIS*3260") {
		t.Errorf("subscribe output = %q", out)
	}

	out, err = run(t, "--config", cfg, "items")
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if got := strings.Fields(out); len(got) != 2 || got[0] != "CIS*3260" || got[1] != "ENGG*1500" {
		t.Errorf("items = %v", got)
	}

	out, err = run(t, "--config", cfg, "poll")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	var first cycleSummary
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("decode report %q: %v", out, err)
	}
	if first.Open != 1 || first.Messages != 1 || first.Written != 1 {
		t.Errorf("first cycle = %+v, want one open item, one message, one ack", first)
	}

	// Same day: the pair was already notified.
	out, err = run(t, "--config", cfg, "poll")
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	var second cycleSummary
	if err := json.Unmarshal([]byte(out), &second); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if second.Messages != 0 || second.Written != 0 {
		t.Errorf("second cycle = %+v, want no messages", second)
	}

	out, err = run(t, "--config", cfg, "unsubscribe", "student@example.com", "CIS*3260", "MATH*1200")
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if !strings.Contains(out, "unsubscribed student@example.com from CIS*3260") ||
		!strings.Contains(out, "does not follow MATH*1200") {
		t.Errorf("unsubscribe output = %q", out)
	}
}

func TestCLIRejectsBadArguments(t *testing.T) {
	cfg := writeConfig(t)
	tests := [][]string{
		{"--config", cfg, "subscribe", "not-an-email", "CIS*3260"},
		{"--config", cfg, "subscribe", "a@example.com", "CIS3260"},
		{"--config", cfg, "subscribe", "a@example.com"},
		{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "items"},
	}
	for _, args := range tests {
		if _, err := run(t, args...); err == nil {
			t.Errorf("run(%v) succeeded, want error", args)
		}
	}
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		logger := newLogger(config.LogConfig{Level: tt.level, Format: "text"})
		if !logger.Enabled(context.Background(), tt.want) {
			t.Errorf("level %q: %v not enabled", tt.level, tt.want)
		}
		if tt.want > slog.LevelDebug && logger.Enabled(context.Background(), tt.want-1) {
			t.Errorf("level %q: below %v enabled", tt.level, tt.want)
		}
	}
}

func TestNewProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	for _, name := range []string{"mock", "smtp", "brevo"} {
		p, err := newProvider(ctx, config.MailConfig{Provider: name, SMTPHost: "localhost", SMTPPort: 25, BrevoAPIKey: "k"}, logger)
		if err != nil || p == nil {
			t.Errorf("newProvider(%s) = %v, %v", name, p, err)
		}
	}
	if _, err := newProvider(ctx, config.MailConfig{Provider: "carrier-pigeon"}, logger); err == nil {
		t.Error("unknown provider accepted")
	}
}

func TestTokenSalt(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if got := string(tokenSalt("fixed", logger)); got != "fixed" {
		t.Errorf("tokenSalt(fixed) = %q", got)
	}
	a, b := tokenSalt("", logger), tokenSalt("", logger)
	if len(a) != 32 || bytes.Equal(a, b) {
		t.Error("random salts should be 32 bytes and differ")
	}
}
