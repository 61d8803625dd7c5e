// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SchoolGate Contributors

// Package config loads SchoolGate configuration from a YAML file and
// command-line flags. Changed flags win over the file, and the file wins
// over flag defaults.
package config

import (
	"errors"
	"net/url"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/schoolgate/schoolgate/internal/auth"
	"github.com/schoolgate/schoolgate/internal/logging"
)

// Cookie security modes.
const (
	CookieSecureAuto   = "auto"   // Secure when the request arrived over TLS
	CookieSecureAlways = "always"
	CookieSecureNever  = "never"
)

// DatabaseURLEnv names the environment variable holding the DSN.
const DatabaseURLEnv = "DATABASE_URL"

// Config is the complete service configuration.
type Config struct {
	HTTP      HTTPConfig      `koanf:"http"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Log       LogConfig       `koanf:"log"`
	Database  DatabaseConfig  `koanf:"database"`
	Session   SessionConfig   `koanf:"session"`
	Tokens    TokensConfig    `koanf:"tokens"`
	Password  PasswordConfig  `koanf:"password"`
	Cookies   CookiesConfig   `koanf:"cookies"`
	Reset     ResetConfig     `koanf:"reset"`
	RateLimit RateLimitConfig `koanf:"ratelimit"`
}

// HTTPConfig configures the portal listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// MetricsConfig configures the observability listener. Empty disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// DatabaseConfig configures PostgreSQL access.
type DatabaseConfig struct {
	URL            string        `koanf:"url"`
	MaxConns       int32         `koanf:"max_conns"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// SessionConfig configures server-side sessions.
type SessionConfig struct {
	TTL                  time.Duration `koanf:"ttl"`
	RegenerationInterval time.Duration `koanf:"regeneration_interval"`
}

// TokensConfig configures remember-me and reset token lifetimes.
type TokensConfig struct {
	RememberTTL time.Duration `koanf:"remember_ttl"`
	ResetTTL    time.Duration `koanf:"reset_ttl"`
}

// PasswordConfig configures password policy and hashing cost.
type PasswordConfig struct {
	MinLength int          `koanf:"min_length"`
	Argon2    Argon2Config `koanf:"argon2"`
}

// Argon2Config holds argon2id cost parameters.
type Argon2Config struct {
	Time    uint32 `koanf:"time"`
	Memory  uint32 `koanf:"memory"`
	Threads uint8  `koanf:"threads"`
}

// CookiesConfig configures cookie attributes.
type CookiesConfig struct {
	Secure string `koanf:"secure"`
}

// ResetConfig configures password reset links.
type ResetConfig struct {
	BaseURL string `koanf:"base_url"`
}

// RateLimitConfig configures per-IP throttling of credential endpoints.
type RateLimitConfig struct {
	LoginPerMinute int `koanf:"login_per_minute"`
}

// RegisterFlags declares every configuration key as a flag on fs, with
// the built-in defaults.
func RegisterFlags(fs *pflag.FlagSet) {
	authDefaults := auth.DefaultConfig()
	argon := auth.DefaultArgon2Params()

	fs.String("http.addr", ":8080", "portal HTTP listen address")
	fs.Duration("http.shutdown_timeout", 15*time.Second, "graceful shutdown deadline")
	fs.String("metrics.addr", "127.0.0.1:9100", "metrics/health HTTP address (empty = disabled)")
	fs.String("log.format", "json", "log format (json or text)")
	fs.String("log.level", "info", "log level (debug, info, warn, error)")
	fs.String("database.url", "", "PostgreSQL URL (default: $"+DatabaseURLEnv+")")
	fs.Int32("database.max_conns", 10, "maximum pooled connections")
	fs.Duration("database.connect_timeout", 30*time.Second, "how long to wait for the database at startup")
	fs.Duration("session.ttl", authDefaults.SessionTTL, "idle session lifetime")
	fs.Duration("session.regeneration_interval", authDefaults.RegenerationInterval, "session id rotation interval")
	fs.Duration("tokens.remember_ttl", authDefaults.RememberTTL, "remember-me token lifetime")
	fs.Duration("tokens.reset_ttl", authDefaults.ResetTTL, "password reset token lifetime")
	fs.Int("password.min_length", authDefaults.MinPasswordLength, "minimum password length")
	fs.Uint32("password.argon2.time", argon.Time, "argon2id iterations")
	fs.Uint32("password.argon2.memory", argon.Memory, "argon2id memory in KiB")
	fs.Uint8("password.argon2.threads", argon.Threads, "argon2id parallelism")
	fs.String("cookies.secure", CookieSecureAuto, "Secure cookie attribute (auto, always, never)")
	fs.String("reset.base_url", authDefaults.ResetBaseURL, "absolute URL of the reset form")
	fs.Int("ratelimit.login_per_minute", 10, "login and forgot-password attempts per client IP per minute")
}

// Load reads the optional YAML file at path and then fs. An unset database
// URL falls back to the DATABASE_URL environment variable.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
		}
	}

	// Passing k makes unchanged flags fill only keys the file did not set.
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "unmarshal").Wrap(err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv(DatabaseURLEnv)
	}
	return &cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	add := func(key, msg string) {
		errs = append(errs, oops.Code("CONFIG_INVALID").With("key", key).Errorf("%s: %s", key, msg))
	}

	if c.HTTP.Addr == "" {
		add("http.addr", "is required")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		add("http.shutdown_timeout", "must be positive")
	}
	if !logging.ValidFormat(c.Log.Format) {
		add("log.format", "must be 'json' or 'text', got "+c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "must be debug, info, warn or error, got "+c.Log.Level)
	}
	if c.Database.MaxConns < 1 {
		add("database.max_conns", "must be at least 1")
	}
	if c.Session.TTL <= 0 {
		add("session.ttl", "must be positive")
	}
	if c.Session.RegenerationInterval <= 0 {
		add("session.regeneration_interval", "must be positive")
	}
	if c.Tokens.RememberTTL <= 0 {
		add("tokens.remember_ttl", "must be positive")
	}
	if c.Tokens.ResetTTL <= 0 {
		add("tokens.reset_ttl", "must be positive")
	}
	if c.Password.MinLength < 1 {
		add("password.min_length", "must be at least 1")
	}
	if c.Password.Argon2.Time < 1 || c.Password.Argon2.Memory < 8*uint32(c.Password.Argon2.Threads) || c.Password.Argon2.Threads < 1 {
		add("password.argon2", "time and threads must be at least 1 and memory at least 8 KiB per thread")
	}
	switch c.Cookies.Secure {
	case CookieSecureAuto, CookieSecureAlways, CookieSecureNever:
	default:
		add("cookies.secure", "must be auto, always or never, got "+c.Cookies.Secure)
	}
	if u, err := url.Parse(c.Reset.BaseURL); err != nil || !u.IsAbs() || u.Host == "" {
		add("reset.base_url", "must be an absolute URL")
	}
	if c.RateLimit.LoginPerMinute < 1 {
		add("ratelimit.login_per_minute", "must be at least 1")
	}

	return errors.Join(errs...)
}

// RequireDatabase reports a missing database URL.
func (c *Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").
			With("key", "database.url").
			Errorf("database URL is required (flag --database.url or $%s)", DatabaseURLEnv)
	}
	return nil
}

// AuthConfig maps the configuration onto the auth service settings.
func (c *Config) AuthConfig() auth.Config {
	return auth.Config{
		SessionTTL:           c.Session.TTL,
		RegenerationInterval: c.Session.RegenerationInterval,
		RememberTTL:          c.Tokens.RememberTTL,
		ResetTTL:             c.Tokens.ResetTTL,
		MinPasswordLength:    c.Password.MinLength,
		ResetBaseURL:         c.Reset.BaseURL,
	}
}

// Argon2Params maps the hashing cost onto the hasher parameters.
func (c *Config) Argon2Params() auth.Argon2Params {
	return auth.Argon2Params{
		Time:    c.Password.Argon2.Time,
		Memory:  c.Password.Argon2.Memory,
		Threads: c.Password.Argon2.Threads,
	}
}
