package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	v := viper.New()
	if err := loadConfig(v, ""); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got := v.GetInt("server.port"); got != 3001 {
		t.Fatalf("expected port 3001, got %d", got)
	}
	if got := v.GetDuration("materialize.probe_delay"); got != 1500*time.Millisecond {
		t.Fatalf("unexpected probe delay %s", got)
	}
	c := clientFromViper(v)
	if c.BaseURL != "https://api.apimart.ai" || c.Model != "gemini-3-pro-image-preview" || c.MaxPolls != 60 {
		t.Fatalf("unexpected client %+v", c)
	}
	cfg := orchestratorConfigFromViper(v)
	if cfg.Mock || cfg.MaxRetries != 3 || cfg.RetryDelay != 2*time.Second {
		t.Fatalf("unexpected orchestrator config %+v", cfg)
	}
	if err := validateConfig(v); err == nil || !strings.Contains(err.Error(), "api.key") {
		t.Fatalf("expected missing api.key error, got %v", err)
	}
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	body := "server:\n  port: 4000\napi:\n  model: custom-model\n  poll_interval: 5s\nretry:\n  max_retries: 1\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MARKEDIT_API_KEY", "k-1")
	t.Setenv("MARKEDIT_RETRY_DELAY", "250ms")

	v := viper.New()
	if err := loadConfig(v, path); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if v.GetInt("server.port") != 4000 {
		t.Fatalf("expected port from file, got %d", v.GetInt("server.port"))
	}
	c := clientFromViper(v)
	if c.APIKey != "k-1" || c.Model != "custom-model" || c.PollInterval != 5*time.Second {
		t.Fatalf("unexpected client %+v", c)
	}
	cfg := orchestratorConfigFromViper(v)
	if cfg.MaxRetries != 1 || cfg.RetryDelay != 250*time.Millisecond {
		t.Fatalf("unexpected orchestrator config %+v", cfg)
	}
	if err := validateConfig(v); err != nil {
		t.Fatalf("validateConfig: %v", err)
	}
}

func TestLegacyEnvNames(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("NANO_API_BASE", "http://legacy.local/")
	t.Setenv("NANO_MOCK", "true")
	t.Setenv("ALLOW_FAILOVER_TO_MOCK", "true")
	t.Setenv("PORT", "8080")

	v := viper.New()
	if err := loadConfig(v, ""); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c := clientFromViper(v); c.BaseURL != "http://legacy.local" {
		t.Fatalf("unexpected base url %q", c.BaseURL)
	}
	cfg := orchestratorConfigFromViper(v)
	if !cfg.Mock || !cfg.FailoverToMock {
		t.Fatalf("expected legacy mock flags, got %+v", cfg)
	}
	if v.GetInt("server.port") != 8080 {
		t.Fatalf("expected legacy port, got %d", v.GetInt("server.port"))
	}
	if err := validateConfig(v); err != nil {
		t.Fatalf("mock mode must not require a key: %v", err)
	}
}

func TestDotEnvIsLoaded(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MARKEDIT_API_MODEL=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { _ = os.Unsetenv("MARKEDIT_API_MODEL") })

	v := viper.New()
	if err := loadConfig(v, ""); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if got := clientFromViper(v).Model; got != "from-dotenv" {
		t.Fatalf("expected model from .env, got %q", got)
	}
}

func TestDBConfigFromViperClampsZeros(t *testing.T) {
	v := viper.New()
	v.Set("db.dsn", ":memory:")
	v.Set("db.pool.conn_max_lifetime", -time.Second)
	cfg := dbConfigFromViper(v)
	if cfg.DSN != ":memory:" || cfg.Pool.MaxOpenConns != 1 || cfg.Pool.MaxIdleConns != 1 {
		t.Fatalf("unexpected db config %+v", cfg)
	}
	if cfg.Pool.ConnMaxLifetime != 0 || cfg.SQLite.BusyTimeoutMs != 5000 {
		t.Fatalf("unexpected db config %+v", cfg)
	}
}
