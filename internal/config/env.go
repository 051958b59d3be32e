package config

import (
	"fmt"
	"strconv"
	"strings"
)

const EnvPrefix = "THREADSYNC_"

type LookupFunc func(key string) (string, bool)

type envBinding struct {
	key   string
	apply func(c *Config, raw string) error
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, raw string) error {
		*dst(c) = strings.TrimSpace(raw)
		return nil
	}
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*dst(c) = v
		return nil
	}
}

func floatVar(dst func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return err
		}
		*dst(c) = v
		return nil
	}
}

func boolVar(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return err
		}
		*dst(c) = v
		return nil
	}
}

func durationVar(dst func(*Config) *Duration) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := parseDuration(raw)
		if err != nil {
			return err
		}
		*dst(c) = v
		return nil
	}
}

func sizeVar(dst func(*Config) *SizeBytes) func(*Config, string) error {
	return func(c *Config, raw string) error {
		v, err := parseSize(raw)
		if err != nil {
			return err
		}
		*dst(c) = v
		return nil
	}
}

var envBindings = []envBinding{
	{"SERVER_ADDR", stringVar(func(c *Config) *string { return &c.Server.Addr })},
	{"JWT_SECRET", stringVar(func(c *Config) *string { return &c.Server.JWTSecret })},
	{"STATE_DSN", stringVar(func(c *Config) *string { return &c.Server.StateDSN })},
	{"MAX_BODY_BYTES", sizeVar(func(c *Config) *SizeBytes { return &c.Server.MaxBodyBytes })},
	{"DEFAULT_PAGE_SIZE", intVar(func(c *Config) *int { return &c.Server.DefaultPageSize })},
	{"MAX_PAGE_SIZE", intVar(func(c *Config) *int { return &c.Server.MaxPageSize })},
	{"SHUTDOWN_TIMEOUT", durationVar(func(c *Config) *Duration { return &c.Server.ShutdownTimeout })},
	{"RATE_LIMIT_RPS", floatVar(func(c *Config) *float64 { return &c.Server.RateLimit.RPS })},
	{"RATE_LIMIT_BURST", intVar(func(c *Config) *int { return &c.Server.RateLimit.Burst })},
	{"BASE_URL", stringVar(func(c *Config) *string { return &c.Client.BaseURL })},
	{"TOKEN", stringVar(func(c *Config) *string { return &c.Client.Token })},
	{"USER_ID", stringVar(func(c *Config) *string { return &c.Client.UserID })},
	{"CLIENT_TIMEOUT", durationVar(func(c *Config) *Duration { return &c.Client.Timeout })},
	{"POLL_INTERVAL", durationVar(func(c *Config) *Duration { return &c.Client.PollInterval })},
	{"REQUESTS_PER_SECOND", floatVar(func(c *Config) *float64 { return &c.Client.RequestsPerSecond })},
	{"MAX_RETRIES", intVar(func(c *Config) *int { return &c.Client.MaxRetries })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_DEVELOPMENT", boolVar(func(c *Config) *bool { return &c.Logging.Development })},
}

// ApplyEnv overrides cfg with every THREADSYNC_* variable lookup reports.
// Empty values are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	for _, b := range envBindings {
		raw, ok := lookup(EnvPrefix + b.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		if err := b.apply(cfg, raw); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.key, err)
		}
	}
	return nil
}
