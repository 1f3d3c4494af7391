package server

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ThinkInAIXYZ/go-cometd/server/session"
)

// Config is the file form of the server options. Durations are in milliseconds.
type Config struct {
	Addr     string `yaml:"addr"`
	Path     string `yaml:"path"`
	LogLevel string `yaml:"logLevel"`

	ConnectTimeoutMs     int64 `yaml:"connectTimeoutMs"`
	SendPacingMs         int64 `yaml:"sendPacingMs"`
	MaxCloseReasonLength int   `yaml:"maxCloseReasonLength"`
	ConnectHoldMs        int64 `yaml:"connectHoldMs"`
	SessionMaxIdleMs     int64 `yaml:"sessionMaxIdleMs"`
	WriteTimeoutMs       int64 `yaml:"writeTimeoutMs"`
}

func DefaultConfig() *Config {
	return &Config{
		Addr:                 ":8080",
		Path:                 "/cometd",
		LogLevel:             "info",
		ConnectTimeoutMs:     30000,
		SendPacingMs:         0,
		MaxCloseReasonLength: session.DefaultMaxCloseReasonLength,
		ConnectHoldMs:        20000,
		SessionMaxIdleMs:     60000,
		WriteTimeoutMs:       10000,
	}
}

// LoadConfig reads a YAML file. Keys missing from the file keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.ConnectTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("connectTimeoutMs must not be negative: %d", c.ConnectTimeoutMs))
	}
	if c.SendPacingMs < 0 {
		errs = append(errs, fmt.Errorf("sendPacingMs must not be negative: %d", c.SendPacingMs))
	}
	if c.MaxCloseReasonLength < 0 {
		errs = append(errs, fmt.Errorf("maxCloseReasonLength must not be negative: %d", c.MaxCloseReasonLength))
	}
	if c.ConnectHoldMs < 0 {
		errs = append(errs, fmt.Errorf("connectHoldMs must not be negative: %d", c.ConnectHoldMs))
	}
	if c.SessionMaxIdleMs <= 0 {
		errs = append(errs, fmt.Errorf("sessionMaxIdleMs must be positive: %d", c.SessionMaxIdleMs))
	}
	if c.WriteTimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("writeTimeoutMs must not be negative: %d", c.WriteTimeoutMs))
	}
	if c.Path == "" || c.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("path must start with /: %q", c.Path))
	}
	return errors.Join(errs...)
}

func (c *Config) WriteTimeout() time.Duration {
	return millis(c.WriteTimeoutMs)
}

// Options converts the config into server options.
func (c *Config) Options() []Option {
	return []Option{
		WithConnectTimeout(millis(c.ConnectTimeoutMs)),
		WithSendPacing(millis(c.SendPacingMs)),
		WithMaxCloseReasonLength(c.MaxCloseReasonLength),
		WithConnectHold(millis(c.ConnectHoldMs)),
		WithSessionMaxIdleTime(millis(c.SessionMaxIdleMs)),
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
