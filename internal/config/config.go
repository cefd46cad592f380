// Package config provides configuration management for conveyor.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyorci/conveyor/internal/errors"
)

const (
	// ConfigFileName is the default config file name
	ConfigFileName = "config.yaml"
	// ConveyorDir is the conveyor configuration directory
	ConveyorDir = ".conveyor"
	// PipelineFileName is the default pipeline declaration file
	PipelineFileName = "pipeline.yaml"
)

// WorkspaceConfig controls execution contexts and workspace hygiene.
type WorkspaceConfig struct {
	// Root is the directory under which execution contexts get their
	// working directories.
	Root string `yaml:"root"`

	// MaxContexts bounds how many execution contexts may be live at
	// once; parallel branches beyond the budget block in Acquire.
	MaxContexts int `yaml:"max_contexts"`

	// CleanupGlobs are patterns, relative to Root, removed by the run
	// finalizer.
	CleanupGlobs []string `yaml:"cleanup_globs,omitempty"`

	// RunDeadline aborts runs that exceed it. Zero means no deadline.
	RunDeadline time.Duration `yaml:"run_deadline,omitempty"`
}

// QualityConfig points at the quality verdict service used by gate stages.
type QualityConfig struct {
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token,omitempty"`
	VerdictPath  string        `yaml:"verdict_path"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ApprovalConfig sets defaults for approval stages that omit them.
type ApprovalConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	Responders     []string      `yaml:"responders,omitempty"`
}

// NotifyConfig selects the run-completion notification channel.
type NotifyConfig struct {
	// Mode is "log" or "webhook".
	Mode       string `yaml:"mode"`
	WebhookURL string `yaml:"webhook_url,omitempty"`
	Channel    string `yaml:"channel,omitempty"`
}

// PostgresConfig holds PostgreSQL connection settings for the run archive.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password,omitempty"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DatabaseConfig selects the run archive backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// ServerConfig configures the local API server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BindingsConfig supplies default run bindings; the CLI and environment
// can override per run.
type BindingsConfig struct {
	Registry  string `yaml:"registry,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
	App       string `yaml:"app,omitempty"`
}

// Config represents the conveyor configuration.
type Config struct {
	// Version is the config file version
	Version int `yaml:"version"`

	Workspace WorkspaceConfig `yaml:"workspace"`
	Quality   QualityConfig   `yaml:"quality"`
	Approvals ApprovalConfig  `yaml:"approvals"`
	Notify    NotifyConfig    `yaml:"notify"`
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Bindings  BindingsConfig  `yaml:"bindings,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Workspace: WorkspaceConfig{
			Root:         filepath.Join(os.TempDir(), "conveyor"),
			MaxContexts:  4,
			CleanupGlobs: []string{"**/*.tmp", "**/.conveyor-scratch"},
		},
		Quality: QualityConfig{
			VerdictPath:  "projectStatus.status",
			PollInterval: 5 * time.Second,
		},
		Approvals: ApprovalConfig{
			DefaultTimeout: 30 * time.Minute,
		},
		Notify: NotifyConfig{
			Mode: "log",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   filepath.Join(ConveyorDir, "conveyor.db"),
			Postgres: PostgresConfig{
				Host:    "localhost",
				Port:    5432,
				User:    "conveyor",
				SSLMode: "prefer",
			},
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8417,
		},
	}
}

// Validate checks the configuration for values the engine cannot work with.
func (c *Config) Validate() error {
	if c.Workspace.MaxContexts < 1 {
		return errors.ErrConfigInvalid("workspace.max_contexts", "must be at least 1")
	}
	if c.Workspace.RunDeadline < 0 {
		return errors.ErrConfigInvalid("workspace.run_deadline", "must not be negative")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.ErrConfigInvalid("database.path", "sqlite driver requires a path")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return errors.ErrConfigInvalid("database.postgres", "postgres driver requires host and database")
		}
	default:
		return errors.ErrConfigInvalid("database.driver", fmt.Sprintf("unknown driver %q", c.Database.Driver))
	}
	switch c.Notify.Mode {
	case "log":
	case "webhook":
		if c.Notify.WebhookURL == "" {
			return errors.ErrConfigInvalid("notify.webhook_url", "webhook mode requires a URL")
		}
	default:
		return errors.ErrConfigInvalid("notify.mode", fmt.Sprintf("unknown mode %q", c.Notify.Mode))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.ErrConfigInvalid("server.port", "must be in 1-65535")
	}
	return nil
}

// Save writes the configuration to the project config path.
func (c *Config) Save() error {
	return c.SaveTo(filepath.Join(ConveyorDir, ConfigFileName))
}

// SaveTo writes the configuration to the given path, creating parent
// directories as needed.
func (c *Config) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
