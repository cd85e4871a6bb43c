package config

import (
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case "pebble", "badger":
	default:
		return fmt.Errorf("backend must be pebble or badger, got %q", c.Backend)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir is required")
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.ReadRPS <= 0 || c.RateLimit.WriteRPS <= 0 {
			return fmt.Errorf("rate_limit rps values must be positive")
		}
		if c.RateLimit.ReadBurst < 1 || c.RateLimit.WriteBurst < 1 {
			return fmt.Errorf("rate_limit burst values must be at least 1")
		}
	}
	return nil
}

func (e Engine) validate() error {
	if e.Concurrency < 1 {
		return fmt.Errorf("engine.concurrency must be at least 1, got %d", e.Concurrency)
	}
	if e.MaxRetries < 1 {
		return fmt.Errorf("engine.max_retries must be at least 1, got %d", e.MaxRetries)
	}
	if e.DefaultPageSize < 1 || e.MaxPageSize < 1 {
		return fmt.Errorf("engine page sizes must be positive")
	}
	if e.DefaultPageSize > e.MaxPageSize {
		return fmt.Errorf("engine.default_page_size %d exceeds max_page_size %d", e.DefaultPageSize, e.MaxPageSize)
	}
	return nil
}
