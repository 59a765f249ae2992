// Package config loads saga-admin configuration.
//
// Sources are merged in order, later ones winning:
//
//  1. built-in defaults
//  2. a YAML file (--config, or saga-admin.yaml in the working directory)
//  3. SAGA_* environment variables (SAGA_STORAGE_DSN -> storage.dsn)
//  4. command-line overrides
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	saga "github.com/grafikui/steptx"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendFile     = "file"
)

// DefaultFile is read when no --config flag is given and it exists.
const DefaultFile = "saga-admin.yaml"

const envPrefix = "SAGA_"

// Config is the saga-admin configuration.
type Config struct {
	Storage StorageConfig `koanf:"storage"`
}

// StorageConfig selects and configures the snapshot backend.
type StorageConfig struct {
	Backend string        `koanf:"backend"`
	DSN     string        `koanf:"dsn"`
	Table   string        `koanf:"table"`
	Dir     string        `koanf:"dir"`
	Timeout time.Duration `koanf:"timeout"`
}

func defaults() map[string]any {
	return map[string]any{
		"storage.backend": BackendPostgres,
		"storage.table":   saga.DefaultTableName,
		"storage.timeout": "30s",
	}
}

// Load merges all configuration sources and validates the result.
func Load(path string, overrides map[string]any) (*Config, error) {
	cfg, err := Read(path, overrides)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read merges all configuration sources without validating them, for
// commands that need no storage connection. path may be empty. Keys in
// overrides use dotted koanf paths, e.g. "storage.dir".
func Read(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config file
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	// 3. Environment. DATABASE_URL is honored for the DSN like the
	// integration tests do.
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		if err := k.Set("storage.dsn", dsn); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// 4. Flags
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return &cfg, nil
}

// envKey maps SAGA_STORAGE_DSN to storage.dsn. Only the first underscore
// separates section from key.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".", 1)
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage.dsn is required for the postgres backend (set SAGA_STORAGE_DSN or DATABASE_URL)")
		}
	case BackendFile:
		if c.Storage.Dir == "" {
			return errors.New("storage.dir is required for the file backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q (want %s or %s)", c.Storage.Backend, BackendPostgres, BackendFile)
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("storage.timeout must be positive, got %s", c.Storage.Timeout)
	}
	return nil
}
