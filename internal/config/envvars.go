package config

import (
	"os"
	"strconv"
	"time"
)

// EnvVarMapping defines the mapping between environment variables and config paths.
var EnvVarMapping = map[string]string{
	"CONVEYOR_WORKSPACE_ROOT":   "workspace.root",
	"CONVEYOR_MAX_CONTEXTS":     "workspace.max_contexts",
	"CONVEYOR_RUN_DEADLINE":     "workspace.run_deadline",
	"CONVEYOR_QUALITY_URL":      "quality.url",
	"CONVEYOR_QUALITY_TOKEN":    "quality.token",
	"CONVEYOR_APPROVAL_TIMEOUT": "approvals.default_timeout",
	"CONVEYOR_NOTIFY_MODE":      "notify.mode",
	"CONVEYOR_NOTIFY_WEBHOOK":   "notify.webhook_url",
	"CONVEYOR_NOTIFY_CHANNEL":   "notify.channel",
	"CONVEYOR_DB_DRIVER":        "database.driver",
	"CONVEYOR_DB_PATH":          "database.path",
	"CONVEYOR_DB_HOST":          "database.postgres.host",
	"CONVEYOR_DB_PORT":          "database.postgres.port",
	"CONVEYOR_DB_NAME":          "database.postgres.database",
	"CONVEYOR_DB_USER":          "database.postgres.user",
	"CONVEYOR_DB_PASSWORD":      "database.postgres.password",
	"CONVEYOR_DB_SSL_MODE":      "database.postgres.ssl_mode",
	"CONVEYOR_HOST":             "server.host",
	"CONVEYOR_PORT":             "server.port",
	"CONVEYOR_REGISTRY":         "bindings.registry",
	"CONVEYOR_NAMESPACE":        "bindings.namespace",
	"CONVEYOR_APP":              "bindings.app",
}

// ApplyEnvVars applies environment variable overrides to cfg.
// Returns a list of paths that were overridden.
func ApplyEnvVars(cfg *Config) []string {
	var overridden []string

	for envVar, configPath := range EnvVarMapping {
		value := os.Getenv(envVar)
		if value == "" {
			continue
		}
		if applyEnvVar(cfg, configPath, value) {
			overridden = append(overridden, configPath)
		}
	}

	return overridden
}

// applyEnvVar applies a single environment variable to the config.
// Returns true if the value was applied.
func applyEnvVar(cfg *Config, path, value string) bool {
	switch path {
	case "workspace.root":
		cfg.Workspace.Root = value
	case "workspace.max_contexts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		cfg.Workspace.MaxContexts = n
	case "workspace.run_deadline":
		d, err := time.ParseDuration(value)
		if err != nil {
			return false
		}
		cfg.Workspace.RunDeadline = d
	case "quality.url":
		cfg.Quality.URL = value
	case "quality.token":
		cfg.Quality.Token = value
	case "approvals.default_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return false
		}
		cfg.Approvals.DefaultTimeout = d
	case "notify.mode":
		cfg.Notify.Mode = value
	case "notify.webhook_url":
		cfg.Notify.WebhookURL = value
	case "notify.channel":
		cfg.Notify.Channel = value
	case "database.driver":
		cfg.Database.Driver = value
	case "database.path":
		cfg.Database.Path = value
	case "database.postgres.host":
		cfg.Database.Postgres.Host = value
	case "database.postgres.port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		cfg.Database.Postgres.Port = n
	case "database.postgres.database":
		cfg.Database.Postgres.Database = value
	case "database.postgres.user":
		cfg.Database.Postgres.User = value
	case "database.postgres.password":
		cfg.Database.Postgres.Password = value
	case "database.postgres.ssl_mode":
		cfg.Database.Postgres.SSLMode = value
	case "server.host":
		cfg.Server.Host = value
	case "server.port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return false
		}
		cfg.Server.Port = n
	case "bindings.registry":
		cfg.Bindings.Registry = value
	case "bindings.namespace":
		cfg.Bindings.Namespace = value
	case "bindings.app":
		cfg.Bindings.App = value
	default:
		return false
	}
	return true
}
