// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

// Package config loads host configuration from a YAML file layered with
// command-line flags. Flags win over the file, the file wins over defaults.
package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/plugboard/plugboard/internal/xdg"
)

// Config is the full host configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Plugins  PluginsConfig  `koanf:"plugins"`
	Database DatabaseConfig `koanf:"database"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Authz    AuthzConfig    `koanf:"authz"`
	Hooks    HooksConfig    `koanf:"hooks"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// PluginsConfig controls plugin discovery and boot.
type PluginsConfig struct {
	Dir         string `koanf:"dir"`
	BootRetries uint64 `koanf:"boot_retries"`
}

// DatabaseConfig controls plugin-state persistence. An empty URL disables
// persistence entirely; the host runs from memory.
type DatabaseConfig struct {
	URL         string `koanf:"url"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

// MetricsConfig controls the observability server.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// AuthzConfig controls the authorization service.
type AuthzConfig struct {
	ResolverTimeout time.Duration `koanf:"resolver_timeout"`
}

// HooksConfig controls the hook registry.
type HooksConfig struct {
	HandlerTimeout time.Duration `koanf:"handler_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Plugins: PluginsConfig{
			Dir:         xdg.PluginsDir(),
			BootRetries: 2,
		},
		Database: DatabaseConfig{
			AutoMigrate: true,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
		},
		Authz: AuthzConfig{
			ResolverTimeout: 5 * time.Second,
		},
		Hooks: HooksConfig{
			HandlerTimeout: 5 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// an optional flag set. Flag names mirror config keys ("plugins.dir").
// A missing path is only an error when it was set explicitly.
func Load(path string, explicit bool, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()

	k := koanf.New(".")

	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist) && !explicit:
			// Default config path absent: run on defaults.
		default:
			return Config{}, oops.In("config").With("path", path).Hint("failed to load config file").Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.In("config").Hint("failed to load flags").Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.In("config").Hint("failed to unmarshal config").Wrap(err)
	}
	return cfg, nil
}
