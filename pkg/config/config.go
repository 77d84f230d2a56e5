// Package config loads runner configuration from a YAML file, layering
// it over built-in defaults.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	plerrors "github.com/ha1tch/pljs/pkg/errors"
	"github.com/ha1tch/pljs/pkg/log"
)

// Config is the full runner configuration.
type Config struct {
	Catalog CatalogConfig `yaml:"catalog"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LogConfig     `yaml:"logging"`
}

// CatalogConfig configures the function catalog store.
type CatalogConfig struct {
	// Path to the SQLite database file, or ":memory:".
	Path string `yaml:"path"`

	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

// EngineConfig configures the scripting engine.
type EngineConfig struct {
	// StartProc names a function run once in every new context.
	StartProc string `yaml:"start_proc"`

	// ModuleDir holds .js library modules preloaded into every context.
	ModuleDir string `yaml:"module_dir"`

	// WatchModules reloads the module library when files change.
	WatchModules bool `yaml:"watch_modules"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Catalog: CatalogConfig{
			Path:          ":memory:",
			BusyTimeoutMS: 5000,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, plerrors.Wrapf(err, plerrors.ErrCodeConfigInvalid,
			"failed to read config file %q", path).
			WithOp("config.Load").
			Err()
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, plerrors.Wrapf(err, plerrors.ErrCodeConfigParse,
			"failed to parse config file %q", path).
			WithOp("config.Load").
			Err()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.Catalog.Path == "" {
		return plerrors.New(plerrors.ErrCodeConfigInvalid,
			"catalog.path must not be empty").
			WithOp("Config.Validate").
			Err()
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return plerrors.Wrapf(err, plerrors.ErrCodeConfigInvalid,
			"invalid logging.level %q", c.Logging.Level).
			WithOp("Config.Validate").
			Err()
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return plerrors.Newf(plerrors.ErrCodeConfigInvalid,
			"invalid logging.format %q (want text or json)", c.Logging.Format).
			WithOp("Config.Validate").
			Err()
	}
	if c.Engine.WatchModules && c.Engine.ModuleDir == "" {
		return plerrors.New(plerrors.ErrCodeConfigInvalid,
			"engine.watch_modules requires engine.module_dir").
			WithOp("Config.Validate").
			Err()
	}
	return nil
}

// Logger builds a logger from the logging section.
func (c Config) Logger() *log.Logger {
	level, _ := log.ParseLevel(c.Logging.Level)
	format := log.FormatText
	if c.Logging.Format == "json" {
		format = log.FormatJSON
	}
	return log.New(log.Config{
		DefaultLevel: level,
		Format:       format,
		Output:       os.Stderr,
	})
}
