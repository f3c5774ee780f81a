// Copyright 2024-2026 Aiku AI

package gateway

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Config holds the environment-backed service configuration. The listening
// port, webhook URL, and shared-secret API key are the only runtime-tunable
// parameters; everything else is a deploy-time CLI flag.
type Config struct {
	Port       string
	WebhookURL string
	APIKey     string
}

const defaultPort = "3000"

// LoadConfig reads configuration from the environment, optionally loading a
// dotenv file first. A missing dotenv file is not an error; variables
// already present in the environment win over file values.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}
	cfg := &Config{
		Port:       os.Getenv("PORT"),
		WebhookURL: os.Getenv("WEBHOOK_URL"),
		APIKey:     os.Getenv("API_KEY"),
	}
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	return cfg, nil
}

// Addr returns the HTTP listen address for the configured port.
func (c *Config) Addr() string {
	return ":" + c.Port
}
