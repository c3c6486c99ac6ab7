package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/quailyquaily/markedit/db"
	"github.com/quailyquaily/markedit/imagegen"
	"github.com/quailyquaily/markedit/internal/pathutil"
	"github.com/quailyquaily/markedit/materialize"
	"github.com/quailyquaily/markedit/orchestrator"
	"github.com/spf13/viper"
)

const envPrefix = "MARKEDIT"

// legacyEnv maps config keys to the env names older deployments used.
var legacyEnv = map[string]string{
	"api.base_url":         "NANO_API_BASE",
	"api.key":              "NANO_API_KEY",
	"api.mock":             "NANO_MOCK",
	"api.failover_to_mock": "ALLOW_FAILOVER_TO_MOCK",
	"server.port":          "PORT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.public_base_url", "")
	v.SetDefault("server.max_body_bytes", int64(64<<20))

	v.SetDefault("api.base_url", imagegen.DefaultBaseURL)
	v.SetDefault("api.key", "")
	v.SetDefault("api.model", imagegen.DefaultModel)
	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("api.poll_interval", 2*time.Second)
	v.SetDefault("api.max_polls", 60)
	v.SetDefault("api.mock", false)
	v.SetDefault("api.mock_base_url", "https://picsum.photos")
	v.SetDefault("api.failover_to_mock", false)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.delay", 2*time.Second)

	v.SetDefault("materialize.probe_attempts", 10)
	v.SetDefault("materialize.probe_delay", 1500*time.Millisecond)
	v.SetDefault("materialize.probe_timeout", 15*time.Second)
	v.SetDefault("materialize.fetch_timeout", 120*time.Second)
	v.SetDefault("materialize.max_bytes", int64(64<<20))

	v.SetDefault("notify.interval", time.Second)
	v.SetDefault("tasks.completed_ttl", 24*time.Hour)
	v.SetDefault("storage.uploads_dir", "./uploads")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "./data/markedit.db")
	v.SetDefault("db.automigrate", true)
	v.SetDefault("db.pool.max_open_conns", 1)
	v.SetDefault("db.pool.max_idle_conns", 1)
	v.SetDefault("db.pool.conn_max_lifetime", time.Duration(0))
	v.SetDefault("db.sqlite.busy_timeout_ms", 5000)
	v.SetDefault("db.sqlite.wal", true)
	v.SetDefault("db.sqlite.foreign_keys", true)

	v.SetDefault("audit.jsonl_path", "./logs/requests.jsonl")
	v.SetDefault("audit.rotate_max_bytes", int64(100*1024*1024))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// loadConfig reads .env (if present), the optional config file and the
// environment into v.
func loadConfig(v *viper.Viper, configPath string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, envPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), legacy); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	configPath = pathutil.ExpandHomePath(configPath)
	if configPath == "" {
		return nil
	}
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", configPath, err)
	}
	return nil
}

func dbConfigFromViper(v *viper.Viper) db.Config {
	cfg := db.DefaultConfig()

	cfg.Driver = v.GetString("db.driver")
	cfg.DSN = v.GetString("db.dsn")
	cfg.AutoMigrate = v.GetBool("db.automigrate")

	cfg.Pool.MaxOpenConns = v.GetInt("db.pool.max_open_conns")
	cfg.Pool.MaxIdleConns = v.GetInt("db.pool.max_idle_conns")
	cfg.Pool.ConnMaxLifetime = v.GetDuration("db.pool.conn_max_lifetime")
	if cfg.Pool.ConnMaxLifetime < 0 {
		cfg.Pool.ConnMaxLifetime = 0
	}

	cfg.SQLite.BusyTimeoutMs = v.GetInt("db.sqlite.busy_timeout_ms")
	cfg.SQLite.WAL = v.GetBool("db.sqlite.wal")
	cfg.SQLite.ForeignKeys = v.GetBool("db.sqlite.foreign_keys")

	if cfg.Pool.MaxOpenConns <= 0 {
		cfg.Pool.MaxOpenConns = 1
	}
	if cfg.Pool.MaxIdleConns <= 0 {
		cfg.Pool.MaxIdleConns = 1
	}
	if cfg.SQLite.BusyTimeoutMs <= 0 {
		cfg.SQLite.BusyTimeoutMs = 5000
	}
	return cfg
}

func clientFromViper(v *viper.Viper) *imagegen.Client {
	c := imagegen.New(v.GetString("api.base_url"), v.GetString("api.key"))
	if m := strings.TrimSpace(v.GetString("api.model")); m != "" {
		c.Model = m
	}
	if d := v.GetDuration("api.request_timeout"); d > 0 {
		c.RequestTimeout = d
	}
	if d := v.GetDuration("api.poll_interval"); d > 0 {
		c.PollInterval = d
	}
	if n := v.GetInt("api.max_polls"); n > 0 {
		c.MaxPolls = n
	}
	return c
}

func orchestratorConfigFromViper(v *viper.Viper) orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.Mock = v.GetBool("api.mock")
	cfg.FailoverToMock = v.GetBool("api.failover_to_mock")
	cfg.MockBaseURL = strings.TrimSpace(v.GetString("api.mock_base_url"))
	cfg.MaxRetries = v.GetInt("retry.max_retries")
	if d := v.GetDuration("retry.delay"); d >= 0 {
		cfg.RetryDelay = d
	}
	return cfg
}

func applyMaterializeConfig(v *viper.Viper, m *materialize.Materializer) {
	if n := v.GetInt("materialize.probe_attempts"); n > 0 {
		m.ProbeAttempts = n
	}
	if d := v.GetDuration("materialize.probe_delay"); d >= 0 {
		m.ProbeDelay = d
	}
	if d := v.GetDuration("materialize.probe_timeout"); d > 0 {
		m.ProbeTimeout = d
	}
	if d := v.GetDuration("materialize.fetch_timeout"); d > 0 {
		m.FetchTimeout = d
	}
	if n := v.GetInt64("materialize.max_bytes"); n > 0 {
		m.MaxBytes = n
	}
}

// validateConfig rejects settings serve cannot start with.
func validateConfig(v *viper.Viper) error {
	if !v.GetBool("api.mock") && strings.TrimSpace(v.GetString("api.key")) == "" {
		return fmt.Errorf("api.key is required unless api.mock is enabled (set MARKEDIT_API_KEY or NANO_API_KEY)")
	}
	if p := v.GetInt("server.port"); p <= 0 || p > 65535 {
		return fmt.Errorf("invalid server.port %d", p)
	}
	return nil
}
