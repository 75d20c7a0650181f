// Package config loads application configuration from the environment and
// per-session conversation options from YAML.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config holds environment-driven application settings.
type Config struct {
	// HTTPAddr is the listen address of the local control server.
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8000"`

	// ServiceURL is the wss:// endpoint of the remote speech service.
	ServiceURL string `env:"SERVICE_URL"`

	// APIKey authenticates against the remote service.
	APIKey string `env:"API_KEY"`

	// SessionFile optionally points at a YAML file of session options.
	SessionFile string `env:"SESSION_FILE"`

	// CaptureBufferFrames is the capture channel depth before chunks drop.
	CaptureBufferFrames int `env:"CAPTURE_BUFFER_FRAMES" envDefault:"32"`

	// SendQueueFrames is the transport send queue depth before frames drop.
	SendQueueFrames int `env:"SEND_QUEUE_FRAMES" envDefault:"64"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that env parsing cannot express.
func (c *Config) Validate() error {
	if c.ServiceURL == "" {
		return fmt.Errorf("SERVICE_URL is required")
	}
	if c.CaptureBufferFrames <= 0 {
		return fmt.Errorf("CAPTURE_BUFFER_FRAMES must be positive, got %d", c.CaptureBufferFrames)
	}
	if c.SendQueueFrames <= 0 {
		return fmt.Errorf("SEND_QUEUE_FRAMES must be positive, got %d", c.SendQueueFrames)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	return nil
}

// SlogLevel maps the configured level onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
