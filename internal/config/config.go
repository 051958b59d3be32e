// Package config loads threadsync settings from YAML, .env files and
// THREADSYNC_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerAddr = ":8090"
	DefaultBaseURL    = "http://127.0.0.1:8090"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr            string          `yaml:"addr"`
	JWTSecret       string          `yaml:"jwt_secret"`
	StateDSN        string          `yaml:"state_dsn"`
	MaxBodyBytes    SizeBytes       `yaml:"max_body_bytes"`
	DefaultPageSize int             `yaml:"default_page_size"`
	MaxPageSize     int             `yaml:"max_page_size"`
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is the only section applied on hot reload.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ClientConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	// UserID names the caller for optimistic updates. It must match the
	// token subject.
	UserID            string   `yaml:"user_id"`
	Timeout           Duration `yaml:"timeout"`
	PollInterval      Duration `yaml:"poll_interval"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	MaxRetries        int      `yaml:"max_retries"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// SizeBytes is a byte count read from strings like "1MiB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(s)), nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func parseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration accepts Go duration strings ("250ms") or numeric seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            DefaultServerAddr,
			JWTSecret:       "dev-secret",
			MaxBodyBytes:    1 << 20,
			DefaultPageSize: 50,
			MaxPageSize:     200,
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       RateLimitConfig{RPS: 5, Burst: 10},
		},
		Client: ClientConfig{
			BaseURL:      DefaultBaseURL,
			Timeout:      Duration(15 * time.Second),
			PollInterval: Duration(5 * time.Minute),
			MaxRetries:   3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadDotEnv loads each existing file into the process environment without
// overriding variables that are already set.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load reads path on top of the defaults, applies environment overrides and
// validates the result. A missing file is not an error when optional is set.
func Load(path string, optional bool) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && optional:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("server.max_body_bytes must not be negative"))
	}
	if c.Server.MaxPageSize < 0 || c.Server.DefaultPageSize < 0 {
		errs = append(errs, errors.New("server page sizes must not be negative"))
	}
	if c.Server.MaxPageSize > 0 && c.Server.DefaultPageSize > c.Server.MaxPageSize {
		errs = append(errs, fmt.Errorf("server.default_page_size %d exceeds max_page_size %d", c.Server.DefaultPageSize, c.Server.MaxPageSize))
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit values must not be negative"))
	}
	if c.Client.BaseURL != "" {
		u, err := url.Parse(c.Client.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("client.base_url %q must be an http(s) url", c.Client.BaseURL))
		}
	}
	if c.Client.PollInterval < 0 || c.Client.Timeout < 0 {
		errs = append(errs, errors.New("client durations must not be negative"))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	return errors.Join(errs...)
}
