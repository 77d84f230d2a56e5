package config

import (
	"os"
	"path/filepath"
	"testing"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pljs.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Catalog.Path != ":memory:" {
		t.Errorf("Catalog.Path = %q", cfg.Catalog.Path)
	}
	if cfg.Catalog.BusyTimeoutMS != 5000 {
		t.Errorf("Catalog.BusyTimeoutMS = %d", cfg.Catalog.BusyTimeoutMS)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("Load(\"\") = %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
catalog:
  path: /var/lib/pljs/catalog.db
  busy_timeout_ms: 250
engine:
  start_proc: boot
  module_dir: /etc/pljs/modules
  watch_modules: true
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Catalog.Path != "/var/lib/pljs/catalog.db" || cfg.Catalog.BusyTimeoutMS != 250 {
		t.Errorf("Catalog = %+v", cfg.Catalog)
	}
	if cfg.Engine.StartProc != "boot" || cfg.Engine.ModuleDir != "/etc/pljs/modules" || !cfg.Engine.WatchModules {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "engine:\n  start_proc: boot\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Catalog.Path != ":memory:" {
		t.Errorf("defaults lost: %+v", cfg.Catalog)
	}
	if cfg.Engine.StartProc != "boot" {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("Load of missing file succeeded")
	}
	if plerrors.GetCode(err) != plerrors.ErrCodeConfigInvalid {
		t.Errorf("unexpected code: %v", plerrors.GetCode(err))
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "catalog: [not: a: mapping\n")
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load of malformed YAML succeeded")
	}
	if plerrors.GetCode(err) != plerrors.ErrCodeConfigParse {
		t.Errorf("unexpected code: %v", plerrors.GetCode(err))
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"empty catalog path", func(c *Config) { c.Catalog.Path = "" }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, false},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, false},
		{"watch without dir", func(c *Config) { c.Engine.WatchModules = true }, false},
		{"watch with dir", func(c *Config) {
			c.Engine.WatchModules = true
			c.Engine.ModuleDir = "/tmp/modules"
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestLogger(t *testing.T) {
	cfg := Default()
	if cfg.Logger() == nil {
		t.Fatal("Logger returned nil")
	}
	cfg.Logging.Format = "json"
	cfg.Logging.Level = "error"
	if cfg.Logger() == nil {
		t.Fatal("Logger returned nil for json config")
	}
}
