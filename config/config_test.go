package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"section-notifier/pkg/notifier"
)

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"5m", 5 * time.Minute, false},
		{" 90s ", 90 * time.Second, false},
		{"@every 2m", 2 * time.Minute, false},
		{"@hourly", 0, true},
		{"*/5 * * * *", 0, true},
		{"0s", 0, true},
		{"-1m", 0, true},
		{"", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseInterval(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.pickMailProvider()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "mock", cfg.Mail.Provider)
	assert.Equal(t, time.Minute, cfg.Interval())
	assert.Equal(t, "America/Toronto", cfg.Location().String())
	assert.Equal(t, notifier.PerItem, cfg.Mode())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"mode", func(c *Config) { c.DispatchMode = "broadcast" }},
		{"driver", func(c *Config) { c.Store.Driver = "redis" }},
		{"interval", func(c *Config) { c.PollInterval = "@daily" }},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus_Mons" }},
		{"operator", func(c *Config) { c.Operator = "not-an-email" }},
		{"item", func(c *Config) { c.Items = []string{"CIS3260"} }},
		{"concurrency", func(c *Config) { c.DispatchConcurrency = 0 }},
		{"postgres dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"brevo key", func(c *Config) { c.Mail.Provider = "brevo" }},
		{"smtp host", func(c *Config) { c.Mail.Provider = "smtp" }},
		{"port", func(c *Config) { c.HTTP.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.pickMailProvider()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateListsStoreDrivers(t *testing.T) {
	cfg := Default()
	cfg.pickMailProvider()
	cfg.Store.Driver = "redis"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file, gcs, sqlite, postgres, nats")
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
items: ["cis*3260", "CIS*2500", "CIS*3260"]
term: W21
poll_interval: "@every 5m"
cycle_timeout: 2m
dispatch_mode: per-subscriber
operator: ops@example.com
store:
  driver: file
  path: ` + dir + `
mail:
  smtp_host: smtp.example.com
http:
  port: 9090
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv("PORT", "9191")
	t.Setenv("DISPATCH_CONCURRENCY", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []notifier.ItemID{"CIS*2500", "CIS*3260"}, cfg.ItemIDs())
	assert.Equal(t, "W21", cfg.Term)
	assert.Equal(t, 5*time.Minute, cfg.Interval())
	assert.Equal(t, 2*time.Minute, cfg.CycleTimeout)
	assert.Equal(t, notifier.PerSubscriber, cfg.Mode())
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, "smtp", cfg.Mail.Provider, "smtp chosen from smtp_host")
	assert.Equal(t, 9191, cfg.HTTP.Port, "env overrides file")
	assert.Equal(t, 8, cfg.DispatchConcurrency)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pol_interval: 5m\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLocalStorageSelectsFileDriver(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LOCAL_STORAGE", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, dir, cfg.Store.Path)
}

func TestTrustProxyHeadersFromEnv(t *testing.T) {
	t.Setenv("LOCAL_STORAGE", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.False(t, cfg.HTTP.TrustProxyHeaders)

	t.Setenv("TRUST_PROXY_HEADERS", "true")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.True(t, cfg.HTTP.TrustProxyHeaders)
}
