// Package config loads environment variables and provides a typed Config used
// across the service. It applies sensible defaults so the binary can run
// locally with minimal setup; only the Discord token is required.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	// Discord
	DiscordToken string

	// Database
	DBPath string

	// HTTP
	HTTPAddr   string
	AdminToken string

	// Presence engine
	SweepInterval    time.Duration
	MaxSessionLength time.Duration
	FlushTimeout     time.Duration

	// Rewards
	RewardTickInterval time.Duration
}

// Load reads environment variables and applies defaults. It does not require
// the Discord token; use ValidateGatewayReady before opening the gateway so
// migration-only invocations still work.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DiscordToken = os.Getenv("DISCORD_TOKEN")

	cfg.DBPath = os.Getenv("DB_PATH")
	if cfg.DBPath == "" {
		cfg.DBPath = "hearth.db"
	}

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	var err error
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL_MINUTES", time.Minute, 15); err != nil {
		return nil, err
	}
	if cfg.MaxSessionLength, err = durationEnv("MAX_SESSION_HOURS", time.Hour, 24); err != nil {
		return nil, err
	}
	if cfg.FlushTimeout, err = durationEnv("FLUSH_TIMEOUT_SECONDS", time.Second, 5); err != nil {
		return nil, err
	}
	if cfg.RewardTickInterval, err = durationEnv("REWARD_TICK_MINUTES", time.Minute, 10); err != nil {
		return nil, err
	}
	if cfg.MaxSessionLength <= 0 {
		return nil, fmt.Errorf("MAX_SESSION_HOURS must be positive")
	}
	if cfg.FlushTimeout <= 0 {
		return nil, fmt.Errorf("FLUSH_TIMEOUT_SECONDS must be positive")
	}

	return cfg, nil
}

// ValidateGatewayReady checks required fields for connecting to Discord.
func (c *Config) ValidateGatewayReady() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("missing discord env: require DISCORD_TOKEN")
	}
	return nil
}

// durationEnv parses an integer env var into a duration of the given unit.
// Zero is allowed and disables the corresponding job.
func durationEnv(key string, unit time.Duration, def int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def) * unit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}
