// Package config loads pulldb configuration from defaults, an optional
// TOML file and PULLDB_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PULLDB_"

// Auth configures how callers are identified.
type Auth struct {
	// JWTSecret verifies HS256 bearer tokens. When empty the server runs
	// in development mode and trusts the X-PullDB-User header.
	JWTSecret string `toml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `toml:"issuer" env:"ISSUER"`
	// DevTrusted honours the X-PullDB-Trusted header in development mode.
	// Without it development callers are never trusted.
	DevTrusted bool `toml:"dev_trusted" env:"DEV_TRUSTED"`
}

// RateLimit configures per-user token buckets.
type RateLimit struct {
	Enabled    bool    `toml:"enabled" env:"ENABLED"`
	ReadRPS    float64 `toml:"read_rps" env:"READ_RPS"`
	ReadBurst  int     `toml:"read_burst" env:"READ_BURST"`
	WriteRPS   float64 `toml:"write_rps" env:"WRITE_RPS"`
	WriteBurst int     `toml:"write_burst" env:"WRITE_BURST"`
}

// Tracing configures OpenTelemetry export.
type Tracing struct {
	Enabled  bool   `toml:"enabled" env:"ENABLED"`
	Endpoint string `toml:"endpoint" env:"ENDPOINT"`
	Service  string `toml:"service" env:"SERVICE"`
}

// Engine tunes the subscription and pull engine.
type Engine struct {
	// Concurrency bounds fan-out reads and subscription scans.
	Concurrency     int `toml:"concurrency" env:"CONCURRENCY"`
	MaxRetries      int `toml:"max_retries" env:"MAX_RETRIES"`
	DefaultPageSize int `toml:"default_page_size" env:"DEFAULT_PAGE_SIZE"`
	MaxPageSize     int `toml:"max_page_size" env:"MAX_PAGE_SIZE"`
}

// Config is the full pulldb configuration.
type Config struct {
	DataDir   string    `toml:"data_dir" env:"DATA_DIR"`
	Backend   string    `toml:"backend" env:"BACKEND"`
	NoSync    bool      `toml:"no_sync" env:"NO_SYNC"`
	Bind      string    `toml:"bind" env:"BIND"`
	Journal   bool      `toml:"journal" env:"JOURNAL"`
	Auth      Auth      `toml:"auth" envPrefix:"AUTH_"`
	RateLimit RateLimit `toml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Tracing   Tracing   `toml:"tracing" envPrefix:"TRACING_"`
	Engine    Engine    `toml:"engine" envPrefix:"ENGINE_"`
}

// Load builds the configuration. An empty path skips the file; a named
// file that does not exist is an error.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

func load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %s not found", path)
		}
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
