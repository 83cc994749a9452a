package cli

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig is the serve command's YAML configuration.
type ServerConfig struct {
	Listen   string `yaml:"listen"`   // HTTP listen address, e.g. ":8090"
	Database string `yaml:"database"` // SQLite database path
	Poke     bool   `yaml:"poke"`     // expose the websocket poke channel
}

// DefaultServerConfig returns the configuration used when no file is given.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:   ":8090",
		Database: "leafsync.db",
		Poke:     true,
	}
}

// LoadServerConfig reads and parses a server config YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadServerConfig(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("failed to read config file: %w", err)
	}

	// Strict field validation catches typos like "databse:"
	cfg := DefaultServerConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateServerConfig(cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func validateServerConfig(cfg ServerConfig) error {
	if cfg.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.Database == "" {
		return fmt.Errorf("database path is required")
	}
	return nil
}
