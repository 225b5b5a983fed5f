package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's YAML configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// Path is the WebSocket endpoint path.
	Path string `yaml:"path"`

	// Database is the SQLite file path. Empty runs fully in memory.
	Database string `yaml:"database"`

	// Origins restricts WebSocket origins; empty allows same-origin only.
	Origins []string `yaml:"origins"`

	// GuidanceDeadline bounds how long a designated agent may sit on its
	// turn before the anchor becomes claimable by takeover. Zero keeps the
	// built-in default; negative disables deadlines.
	GuidanceDeadline Duration `yaml:"guidanceDeadline"`

	Log LogConfig `yaml:"log"`
}

// Duration decodes YAML values like "5m" or "90s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LogConfig selects log verbosity and output encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Listen: ":8089",
		Path:   "/ws",
		Log:    LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults. An
// empty path returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot start with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Path == "" {
		return fmt.Errorf("websocket path must not be empty")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
