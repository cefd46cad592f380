package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max contexts", func(c *Config) { c.Workspace.MaxContexts = 0 }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }},
		{"webhook without url", func(c *Config) { c.Notify.Mode = "webhook" }},
		{"unknown notify mode", func(c *Config) { c.Notify.Mode = "carrier-pigeon" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
workspace:
  max_contexts: 8
notify:
  mode: webhook
  webhook_url: https://hooks.example.com/T0/B0
  channel: "#deploys"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Workspace.MaxContexts != 8 {
		t.Errorf("max_contexts = %d, want 8", cfg.Workspace.MaxContexts)
	}
	// Keys absent from the file keep their defaults.
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver = %q, want default sqlite", cfg.Database.Driver)
	}
	if cfg.Quality.VerdictPath != "projectStatus.status" {
		t.Errorf("verdict_path = %q, want default", cfg.Quality.VerdictPath)
	}
	if cfg.Notify.Channel != "#deploys" {
		t.Errorf("channel = %q", cfg.Notify.Channel)
	}
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("database:\n  driver: oracle\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestApplyEnvVars(t *testing.T) {
	t.Setenv("CONVEYOR_DB_DRIVER", "postgres")
	t.Setenv("CONVEYOR_DB_HOST", "db.internal")
	t.Setenv("CONVEYOR_DB_NAME", "conveyor")
	t.Setenv("CONVEYOR_PORT", "9000")
	t.Setenv("CONVEYOR_APPROVAL_TIMEOUT", "45m")

	cfg := Default()
	overridden := ApplyEnvVars(cfg)

	if len(overridden) != 5 {
		t.Errorf("overridden = %v, want 5 paths", overridden)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.Postgres.Host != "db.internal" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Approvals.DefaultTimeout != 45*time.Minute {
		t.Errorf("approval timeout = %s, want 45m", cfg.Approvals.DefaultTimeout)
	}
}

func TestApplyEnvVarsIgnoresUnparseable(t *testing.T) {
	t.Setenv("CONVEYOR_PORT", "not-a-port")

	cfg := Default()
	ApplyEnvVars(cfg)

	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("port = %d, want default preserved", cfg.Server.Port)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := Default()
	cfg.Bindings.App = "myapp"
	if err := cfg.SaveTo(path); err != nil {
		t.Fatalf("SaveTo: %v", err)
	}

	loaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if loaded.Bindings.App != "myapp" {
		t.Errorf("app = %q, want myapp", loaded.Bindings.App)
	}
}
