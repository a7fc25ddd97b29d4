// Package config loads the optional YAML configuration file shared by
// the godeck CLI and the run viewer. Flags override file values; the
// file carries the settings too awkward to pass per invocation, such
// as S3 credentials.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/me/godeck/internal/stager"
)

// Config is the root document of a godeck configuration file.
type Config struct {
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`

	// StorePath is the run ledger database. Empty disables persistence.
	StorePath string `yaml:"store_path"`

	// CatalogDir overrides the embedded step records per step type.
	CatalogDir string `yaml:"catalog_dir"`

	// WorkRoot hosts per-run scratch directories; empty uses the
	// system temp directory.
	WorkRoot string `yaml:"work_root"`

	// MaxWorkers bounds concurrent cards when decks run in parallel
	// mode.
	MaxWorkers int `yaml:"max_workers"`

	// MaxIterWorkers bounds the per-node iteration fan-out.
	MaxIterWorkers int `yaml:"max_iter_workers"`

	// Stager selects how data line locations are fetched.
	Stager StagerConfig `yaml:"stager"`

	// Viewer configures the run viewer.
	Viewer ViewerConfig `yaml:"viewer"`
}

// StagerConfig selects the stager backend.
type StagerConfig struct {
	// Mode is "local" or "s3".
	Mode string `yaml:"mode"`

	// S3 holds the client settings used in s3 mode.
	S3 stager.S3Config `yaml:"s3"`
}

// ViewerConfig holds the run viewer's settings.
type ViewerConfig struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Stager:    StagerConfig{Mode: "local"},
		Viewer:    ViewerConfig{Addr: ":8089"},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected
// so a typo never silently falls back to a default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the enumerated fields.
func (c Config) Validate() error {
	switch c.Stager.Mode {
	case "", "local", "s3":
	default:
		return fmt.Errorf("stager mode must be local or s3, got %q", c.Stager.Mode)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.LogFormat)
	}
	return nil
}
