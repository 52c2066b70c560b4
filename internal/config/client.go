package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ClientConfig holds configuration for the synchronizer client.
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Moderation     string        `yaml:"moderation"`
	FetchRate      float64       `yaml:"fetch_rate"`
	FetchBurst     int           `yaml:"fetch_burst"`
	LogLevel       string        `yaml:"log_level"`
}

// DefaultClientConfig returns the client defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 15 * time.Second,
		PollInterval:   time.Second,
		Moderation:     "auto",
		FetchRate:      5,
		FetchBurst:     3,
		LogLevel:       "warn",
	}
}

// LoadClient reads the optional YAML file at path, then applies environment
// overrides. A missing file is not an error.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read client config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse client config: %w", err)
			}
		}
	}

	cfg.BaseURL = getEnv("SYNC_BASE_URL", cfg.BaseURL)
	cfg.Token = getEnv("SYNC_TOKEN", cfg.Token)
	cfg.RequestTimeout = getDurationEnv("SYNC_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.PollInterval = getDurationEnv("SYNC_POLL_INTERVAL", cfg.PollInterval)
	cfg.Moderation = getEnv("SYNC_MODERATION", cfg.Moderation)
	cfg.FetchRate = getFloatEnv("SYNC_FETCH_RATE", cfg.FetchRate)
	cfg.FetchBurst = getIntEnv("SYNC_FETCH_BURST", cfg.FetchBurst)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the client configuration for unusable values.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return errors.New("base_url is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if c.Moderation != "auto" && c.Moderation != "none" {
		return fmt.Errorf("moderation must be auto or none, got %q", c.Moderation)
	}
	if c.FetchRate <= 0 || c.FetchBurst <= 0 {
		return errors.New("fetch_rate and fetch_burst must be positive")
	}
	return nil
}
