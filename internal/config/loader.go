package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load loads configuration with layered overrides.
// Load order (later sources override earlier):
//  1. Built-in defaults
//  2. System config (/etc/conveyor/config.yaml) - optional
//  3. User config (~/.conveyor/config.yaml) - optional
//  4. Project config (.conveyor/config.yaml) - optional
//  5. Environment variables (CONVEYOR_*)
func Load() (*Config, error) {
	cfg := Default()

	systemPath := "/etc/conveyor/config.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		if err := mergeFromFile(cfg, systemPath); err != nil {
			slog.Warn("failed to load system config", "path", systemPath, "error", err)
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(home, ConveyorDir, ConfigFileName)
		if _, err := os.Stat(userPath); err == nil {
			if err := mergeFromFile(cfg, userPath); err != nil {
				slog.Warn("failed to load user config", "path", userPath, "error", err)
			}
		}
	}

	projectPath := filepath.Join(ConveyorDir, ConfigFileName)
	if _, err := os.Stat(projectPath); err == nil {
		// Project config errors are fatal
		if err := mergeFromFile(cfg, projectPath); err != nil {
			return nil, err
		}
	}

	ApplyEnvVars(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads configuration from an explicit path layered over the
// defaults, skipping the system/user/project chain.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := mergeFromFile(cfg, path); err != nil {
		return nil, err
	}
	ApplyEnvVars(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeFromFile unmarshals path over cfg. Keys absent from the file keep
// their current values, which is what makes the layering work.
func mergeFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
