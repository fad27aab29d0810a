// Package config loads service configuration from an optional YAML file and
// environment variables. Environment values win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	yaml "go.yaml.in/yaml/v3"

	"section-notifier/pkg/notifier"
	"section-notifier/storage"
)

// Config is the complete service configuration. It is loaded once and passed
// to constructors.
type Config struct {
	// Availability source
	Items          []string            `yaml:"items"`
	Term           string              `yaml:"term"`
	SourceURL      string              `yaml:"source_url"`      // "static" serves StaticSections
	StaticSections map[string][]string `yaml:"static_sections"` // item -> raw record blocks

	// Poll loop
	PollInterval        string        `yaml:"poll_interval"` // "5m" or "@every 5m"
	CycleTimeout        time.Duration `yaml:"cycle_timeout"` // 0 disables the watchdog
	Timezone            string        `yaml:"timezone"`
	DispatchMode        string        `yaml:"dispatch_mode"`
	DispatchConcurrency int           `yaml:"dispatch_concurrency"`
	Operator            string        `yaml:"operator"`

	Store StoreConfig `yaml:"store"`
	Mail  MailConfig  `yaml:"mail"`
	HTTP  HTTPConfig  `yaml:"http"`

	Log LogConfig `yaml:"log"`
}

// StoreConfig selects the subscription store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // file | gcs | sqlite | postgres | nats
	Path   string `yaml:"path"`
	Bucket string `yaml:"bucket"`
	DSN    string `yaml:"dsn"`
	URL    string `yaml:"url"`
}

// MailConfig selects the mail transport.
type MailConfig struct {
	Provider              string `yaml:"provider"` // smtp | gmail | brevo | mock
	FromName              string `yaml:"from_name"`
	SMTPHost              string `yaml:"smtp_host"`
	SMTPPort              int    `yaml:"smtp_port"`
	SMTPUsername          string `yaml:"smtp_username"`
	SMTPPassword          string `yaml:"smtp_password"`
	BrevoAPIKey           string `yaml:"brevo_api_key"`
	GoogleCredentialsJSON string `yaml:"google_credentials_json"`
}

// HTTPConfig configures the subscription server.
type HTTPConfig struct {
	Port              int           `yaml:"port"`
	BaseURL           string        `yaml:"base_url"`
	TokenSalt         string        `yaml:"token_salt"`
	CORSAllowOrigins  []string      `yaml:"cors_allow_origins"`
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
	// TrustProxyHeaders takes the client IP from X-Forwarded-For and friends.
	// Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Items:               []string{"CIS*3260"},
		Term:                "F20",
		SourceURL:           "https://webadvisor.uoguelph.ca/WebAdvisor/WebAdvisor?TYPE=M&PID=CORE-WBMAIN&TOKENIDX=",
		PollInterval:        "1m",
		CycleTimeout:        5 * time.Minute,
		Timezone:            "America/Toronto",
		DispatchMode:        string(notifier.PerItem),
		DispatchConcurrency: 4,
		Operator:            "section-notifier@example.com",
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "./data/subscriptions.db",
		},
		Mail: MailConfig{
			SMTPPort: 587,
			FromName: "Section Notifier",
		},
		HTTP: HTTPConfig{
			Port:              8080,
			BaseURL:           "http://localhost:8080",
			RateLimitRequests: 10,
			RateLimitWindow:   time.Minute,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads .env (if present), the YAML file at path (if non-empty), then
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.pickMailProvider()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Items = envList("ITEMS", c.Items)
	c.Term = envOr("TERM_CODE", c.Term)
	c.SourceURL = envOr("SOURCE_URL", c.SourceURL)

	c.PollInterval = envOr("POLL_INTERVAL", c.PollInterval)
	c.CycleTimeout = envDuration("CYCLE_TIMEOUT", c.CycleTimeout)
	c.Timezone = envOr("TIMEZONE", c.Timezone)
	c.DispatchMode = envOr("DISPATCH_MODE", c.DispatchMode)
	c.DispatchConcurrency = envInt("DISPATCH_CONCURRENCY", c.DispatchConcurrency)
	c.Operator = envOr("OPERATOR_EMAIL", c.Operator)

	c.Store.Driver = envOr("STORE_DRIVER", c.Store.Driver)
	if v := os.Getenv("LOCAL_STORAGE"); v != "" {
		c.Store.Driver = envOr("STORE_DRIVER", "file")
		c.Store.Path = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		c.Store.Driver = envOr("STORE_DRIVER", "gcs")
		c.Store.Bucket = v
	}
	c.Store.Path = envOr("STORE_PATH", c.Store.Path)
	c.Store.DSN = envOr("DATABASE_URL", c.Store.DSN)
	c.Store.URL = envOr("NATS_URL", c.Store.URL)

	c.Mail.Provider = envOr("MAIL_PROVIDER", c.Mail.Provider)
	c.Mail.FromName = envOr("MAIL_FROM_NAME", c.Mail.FromName)
	c.Mail.SMTPHost = envOr("SMTP_HOST", c.Mail.SMTPHost)
	c.Mail.SMTPPort = envInt("SMTP_PORT", c.Mail.SMTPPort)
	c.Mail.SMTPUsername = envOr("SMTP_USERNAME", c.Mail.SMTPUsername)
	c.Mail.SMTPPassword = envOr("SMTP_PASSWORD", c.Mail.SMTPPassword)
	c.Mail.BrevoAPIKey = envOr("BREVO_API_KEY", c.Mail.BrevoAPIKey)
	c.Mail.GoogleCredentialsJSON = envOr("GOOGLE_CREDENTIALS_JSON", c.Mail.GoogleCredentialsJSON)

	c.HTTP.Port = envInt("PORT", c.HTTP.Port)
	c.HTTP.BaseURL = envOr("BASE_URL", c.HTTP.BaseURL)
	c.HTTP.TokenSalt = envOr("TOKEN_SALT", c.HTTP.TokenSalt)
	c.HTTP.CORSAllowOrigins = envList("CORS_ALLOW_ORIGINS", c.HTTP.CORSAllowOrigins)
	c.HTTP.RateLimitRequests = envInt("RATE_LIMIT_REQUESTS", c.HTTP.RateLimitRequests)
	c.HTTP.RateLimitWindow = envDuration("RATE_LIMIT_WINDOW", c.HTTP.RateLimitWindow)
	c.HTTP.TrustProxyHeaders = envBool("TRUST_PROXY_HEADERS", c.HTTP.TrustProxyHeaders)

	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOr("LOG_FORMAT", c.Log.Format)
}

// pickMailProvider chooses a transport from the credentials present when
// none is named. Without credentials emails are only logged.
func (c *Config) pickMailProvider() {
	if c.Mail.Provider != "" {
		return
	}
	switch {
	case c.Mail.GoogleCredentialsJSON != "":
		c.Mail.Provider = "gmail"
	case c.Mail.BrevoAPIKey != "":
		c.Mail.Provider = "brevo"
	case c.Mail.SMTPHost != "":
		c.Mail.Provider = "smtp"
	default:
		c.Mail.Provider = "mock"
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseInterval(c.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if c.CycleTimeout < 0 {
		errs = append(errs, errors.New("cycle_timeout must not be negative"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("unknown timezone %q: %w", c.Timezone, err))
	}
	if !notifier.DispatchMode(c.DispatchMode).Valid() {
		errs = append(errs, fmt.Errorf("unknown dispatch_mode %q (want %s or %s)", c.DispatchMode, notifier.PerItem, notifier.PerSubscriber))
	}
	if c.DispatchConcurrency < 1 {
		errs = append(errs, errors.New("dispatch_concurrency must be at least 1"))
	}
	if !notifier.ValidAddress(c.Operator) {
		errs = append(errs, fmt.Errorf("invalid operator address %q", c.Operator))
	}
	for _, item := range c.Items {
		if !notifier.ValidItem(notifier.NormalizeItem(item)) {
			errs = append(errs, fmt.Errorf("invalid item %q", item))
		}
	}
	if c.SourceURL == "" {
		errs = append(errs, errors.New("source_url is required"))
	}

	switch c.Store.Driver {
	case "file", "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s driver", c.Store.Driver))
		}
	case "gcs":
		if c.Store.Bucket == "" {
			errs = append(errs, errors.New("store.bucket is required for gcs driver"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres driver"))
		}
	case "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q (want one of %s)", c.Store.Driver, strings.Join(storage.Drivers(), ", ")))
	}

	switch c.Mail.Provider {
	case "mock", "gmail":
	case "smtp":
		if c.Mail.SMTPHost == "" {
			errs = append(errs, errors.New("mail.smtp_host is required for smtp provider"))
		}
	case "brevo":
		if c.Mail.BrevoAPIKey == "" {
			errs = append(errs, errors.New("mail.brevo_api_key is required for brevo provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mail provider %q", c.Mail.Provider))
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.HTTP.Port))
	}
	if c.HTTP.RateLimitRequests > 0 && c.HTTP.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("rate_limit_window must be positive when rate limiting"))
	}

	return errors.Join(errs...)
}

// Interval returns the parsed poll interval.
func (c *Config) Interval() time.Duration {
	d, _ := ParseInterval(c.PollInterval) //nolint:errcheck // checked by Validate
	return d
}

// Location returns the notification window's reference zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Mode returns the configured dispatch mode.
func (c *Config) Mode() notifier.DispatchMode {
	return notifier.DispatchMode(c.DispatchMode)
}

// ItemIDs returns the configured items normalized and de-duplicated.
func (c *Config) ItemIDs() []notifier.ItemID {
	seen := make(map[notifier.ItemID]bool, len(c.Items))
	for _, raw := range c.Items {
		if id := notifier.NormalizeItem(raw); id != "" {
			seen[id] = true
		}
	}
	return notifier.SortedItems(seen)
}

// ParseInterval accepts a Go duration ("90s", "5m") or a cron "@every"
// descriptor. Calendar schedules are rejected: the loop sleeps a fixed
// interval between cycles.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("poll_interval is required")
	}
	if strings.HasPrefix(s, "@") {
		sched, err := cron.ParseStandard(s)
		if err != nil {
			return 0, fmt.Errorf("parse poll_interval %q: %w", s, err)
		}
		every, ok := sched.(cron.ConstantDelaySchedule)
		if !ok {
			return 0, fmt.Errorf("poll_interval %q is not a fixed interval; use @every", s)
		}
		return every.Delay, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse poll_interval %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("poll_interval %q must be positive", s)
	}
	return d, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}
