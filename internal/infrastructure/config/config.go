package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		PollIntervalMs     int    `toml:"poll_interval_ms" yaml:"poll_interval_ms"`
		TickTimeoutSec     int    `toml:"tick_timeout_sec" yaml:"tick_timeout_sec"`
		ShutdownTimeoutSec int    `toml:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
		OfflineAfter       int    `toml:"offline_after" yaml:"offline_after"`
		HTTPListen         string `toml:"http_listen" yaml:"http_listen"`
		InstanceID         string `toml:"instance_id" yaml:"instance_id"`
		Live               bool   `toml:"live" yaml:"live"`
	} `toml:"app" yaml:"app"`

	Retry struct {
		MaxAttempts      int     `toml:"max_attempts" yaml:"max_attempts"`
		BaseDelayMs      int     `toml:"base_delay_ms" yaml:"base_delay_ms"`
		MaxDelayMs       int     `toml:"max_delay_ms" yaml:"max_delay_ms"`
		JitterFraction   float64 `toml:"jitter_fraction" yaml:"jitter_fraction"`
		AttemptTimeoutMs int     `toml:"attempt_timeout_ms" yaml:"attempt_timeout_ms"`
	} `toml:"retry" yaml:"retry"`

	Log struct {
		Level  string `toml:"level" yaml:"level"`   // debug | info | warn | error
		Format string `toml:"format" yaml:"format"` // console | json
	} `toml:"log" yaml:"log"`

	Terminal struct {
		BaseURL    string  `toml:"base_url" yaml:"base_url"`
		Token      string  `toml:"token" yaml:"token"`
		RatePerSec float64 `toml:"rate_per_sec" yaml:"rate_per_sec"`
		TimeoutSec int     `toml:"timeout_sec" yaml:"timeout_sec"`
	} `toml:"terminal" yaml:"terminal"`

	Storage struct {
		Driver string `toml:"driver" yaml:"driver"` // sqlite | postgres | memory

		SQLite struct {
			Path string `toml:"path" yaml:"path"`
		} `toml:"sqlite" yaml:"sqlite"`

		Postgres struct {
			DSN string `toml:"dsn" yaml:"dsn"`
		} `toml:"postgres" yaml:"postgres"`

		Redis struct {
			Enabled      bool   `toml:"enabled" yaml:"enabled"`
			Addr         string `toml:"addr" yaml:"addr"`
			Password     string `toml:"password" yaml:"password"`
			DB           int    `toml:"db" yaml:"db"`
			Prefix       string `toml:"prefix" yaml:"prefix"`
			StreamMaxLen int64  `toml:"stream_maxlen" yaml:"stream_maxlen"`
		} `toml:"redis" yaml:"redis"`
	} `toml:"storage" yaml:"storage"`

	WS struct {
		Enabled        bool     `toml:"enabled" yaml:"enabled"`
		JWTSecret      string   `toml:"jwt_secret" yaml:"jwt_secret"`
		AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins"`
	} `toml:"ws" yaml:"ws"`
}

// Load reads .env when present, decodes path by extension, then applies
// environment overrides, defaults and validation.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("config.Load: unsupported extension %q", ext)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("UPDATE_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: UPDATE_MS: %w", err)
		}
		cfg.App.PollIntervalMs = n
	}
	if v := os.Getenv("MT5BRIDGE_TERMINAL_URL"); v != "" {
		cfg.Terminal.BaseURL = v
	}
	if v := os.Getenv("MT5BRIDGE_TERMINAL_TOKEN"); v != "" {
		cfg.Terminal.Token = v
	}
	if v := os.Getenv("MT5BRIDGE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("MT5BRIDGE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLite.Path = v
	}
	if v := os.Getenv("MT5BRIDGE_POSTGRES_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("MT5BRIDGE_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
		cfg.Storage.Redis.Enabled = true
	}
	if v := os.Getenv("MT5BRIDGE_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("MT5BRIDGE_WS_JWT_SECRET"); v != "" {
		cfg.WS.JWTSecret = v
	}
	if v := os.Getenv("MT5BRIDGE_HTTP_LISTEN"); v != "" {
		cfg.App.HTTPListen = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.PollIntervalMs <= 0 {
		cfg.App.PollIntervalMs = 1000
	}
	if cfg.App.TickTimeoutSec <= 0 {
		cfg.App.TickTimeoutSec = 15
	}
	if cfg.App.ShutdownTimeoutSec <= 0 {
		cfg.App.ShutdownTimeoutSec = 10
	}
	if cfg.App.OfflineAfter <= 0 {
		cfg.App.OfflineAfter = 5
	}
	if cfg.App.HTTPListen == "" {
		cfg.App.HTTPListen = ":9108"
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.BaseDelayMs <= 0 {
		cfg.Retry.BaseDelayMs = 250
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = 5000
	}
	if cfg.Retry.JitterFraction <= 0 {
		cfg.Retry.JitterFraction = 0.2
	}
	if cfg.Retry.AttemptTimeoutMs <= 0 {
		cfg.Retry.AttemptTimeoutMs = 5000
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}

	if cfg.Terminal.BaseURL == "" {
		cfg.Terminal.BaseURL = "http://127.0.0.1:8787"
	}
	if cfg.Terminal.RatePerSec <= 0 {
		cfg.Terminal.RatePerSec = 20
	}
	if cfg.Terminal.TimeoutSec <= 0 {
		cfg.Terminal.TimeoutSec = 5
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLite.Path == "" {
		cfg.Storage.SQLite.Path = "data/mt5bridge.db"
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "127.0.0.1:6379"
	}
	if cfg.Storage.Redis.Prefix == "" {
		cfg.Storage.Redis.Prefix = "mt5bridge"
	}
	if cfg.Storage.Redis.StreamMaxLen <= 0 {
		cfg.Storage.Redis.StreamMaxLen = 10000
	}
}

func validate(cfg *Config) error {
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch cfg.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(cfg.Storage.Postgres.DSN) == "" {
			return errors.New("storage.postgres.dsn empty but driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver %q is not one of sqlite, postgres, memory", cfg.Storage.Driver)
	}

	if !strings.HasPrefix(cfg.Terminal.BaseURL, "http://") && !strings.HasPrefix(cfg.Terminal.BaseURL, "https://") {
		return fmt.Errorf("terminal.base_url %q must be http(s)", cfg.Terminal.BaseURL)
	}
	if cfg.Retry.JitterFraction >= 1 {
		return errors.New("retry.jitter_fraction must be below 1")
	}
	if cfg.Retry.BaseDelayMs > cfg.Retry.MaxDelayMs {
		return errors.New("retry.base_delay_ms exceeds retry.max_delay_ms")
	}
	if cfg.TickTimeout() < cfg.AttemptTimeout() {
		return errors.New("app.tick_timeout_sec is shorter than retry.attempt_timeout_ms")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.App.PollIntervalMs) * time.Millisecond
}

func (c *Config) TickTimeout() time.Duration {
	return time.Duration(c.App.TickTimeoutSec) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.App.ShutdownTimeoutSec) * time.Second
}

func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Retry.AttemptTimeoutMs) * time.Millisecond
}

func (c *Config) TerminalTimeout() time.Duration {
	return time.Duration(c.Terminal.TimeoutSec) * time.Second
}
