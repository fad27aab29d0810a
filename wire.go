package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"section-notifier/config"
	"section-notifier/email"
	"section-notifier/metrics"
	"section-notifier/pkg/notifier"
	"section-notifier/poll"
	"section-notifier/scraper"
	"section-notifier/storage"
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   storage.Store
	signer  *notifier.Signer
	sender  *email.Sender
	monitor *poll.Monitor
}

// newApp loads configuration and wires the store, mail transport, source and
// poll monitor. reg may be nil to skip Prometheus collectors.
func newApp(ctx context.Context, configPath string, reg prometheus.Registerer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	store, err := storage.Open(ctx, storage.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		Bucket: cfg.Store.Bucket,
		DSN:    cfg.Store.DSN,
		URL:    cfg.Store.URL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	provider, err := newProvider(ctx, cfg.Mail, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("mail provider: %w", err)
	}

	signer := notifier.NewSigner(tokenSalt(cfg.HTTP.TokenSalt, logger))
	sender := email.New(provider, signer, logger, cfg.HTTP.BaseURL, cfg.Operator)

	var rec metrics.Recorder = metrics.Nop{}
	if reg != nil {
		rec = metrics.NewPrometheus(reg, "")
	}

	monitor := poll.New(newSource(cfg, logger), store, sender, poll.Config{
		Location:     cfg.Location(),
		Mode:         cfg.Mode(),
		Items:        cfg.ItemIDs(),
		Interval:     cfg.Interval(),
		CycleTimeout: cfg.CycleTimeout,
		Concurrency:  cfg.DispatchConcurrency,
	}, rec, logger)

	logger.Info("Configuration loaded",
		"items", len(cfg.Items),
		"term", cfg.Term,
		"store", cfg.Store.Driver,
		"mail", cfg.Mail.Provider,
		"dispatch_mode", cfg.DispatchMode,
		"interval", cfg.Interval().String(),
		"timezone", cfg.Timezone)

	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		signer:  signer,
		sender:  sender,
		monitor: monitor,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close store", "error", err)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// tokenSalt returns the configured salt, or a random one. Links signed with
// a random salt stop working after a restart.
func tokenSalt(configured string, logger *slog.Logger) []byte {
	if configured != "" {
		return []byte(configured)
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	logger.Warn("TOKEN_SALT not set, unsubscribe links will not survive a restart")
	return salt
}

func newSource(cfg *config.Config, logger *slog.Logger) poll.Source {
	if cfg.SourceURL == "static" {
		logger.Info("Using static section source", "items", len(cfg.StaticSections))
		return scraper.NewStatic(cfg.StaticSections)
	}
	jar, _ := cookiejar.New(nil) //nolint:errcheck // New never fails with nil options
	client := &http.Client{Timeout: 30 * time.Second, Jar: jar}
	return scraper.New(client, cfg.SourceURL, cfg.Term, logger)
}

func newProvider(ctx context.Context, cfg config.MailConfig, logger *slog.Logger) (email.Provider, error) {
	switch cfg.Provider {
	case "mock":
		logger.Info("Mock email mode enabled, messages are logged only")
		return email.NewMockProvider(logger), nil
	case "smtp":
		return email.NewSMTPProvider(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, logger), nil
	case "brevo":
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.FromName, logger), nil
	case "gmail":
		svc, err := initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, err
		}
		return email.NewGmailProvider(svc, logger), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	// Cloud Run supplies Application Default Credentials through the metadata server.
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}
