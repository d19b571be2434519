// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

// Package plugin provides plugin inventory, lifecycle, and capability control.
package plugin

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Tier classifies how much the host trusts a plugin. The enum is closed:
// adding a tier is a compile-checked change everywhere it is consumed.
type Tier string

// Plugin trust tiers.
const (
	TierA Tier = "A"
	TierB Tier = "B"
)

// Runtime identifies how a plugin's code is executed.
type Runtime string

// Plugin runtimes supported by the host.
const (
	RuntimeLua     Runtime = "lua"
	RuntimeBuiltin Runtime = "builtin"
)

// Manifest represents a plugin.yaml file. Immutable once registered.
type Manifest struct {
	ID           string       `yaml:"id" json:"id"`
	Package      string       `yaml:"package" json:"package"`
	Version      string       `yaml:"version" json:"version"`
	Tier         Tier         `yaml:"tier" json:"tier"`
	Capabilities []string     `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Runtime      Runtime      `yaml:"runtime" json:"runtime"`
	Lua          *LuaConfig   `yaml:"lua,omitempty" json:"lua,omitempty"`
	Authz        *AuthzConfig `yaml:"authz,omitempty" json:"authz,omitempty"`
	Hooks        *HooksConfig `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

// LuaConfig holds Lua-specific configuration.
type LuaConfig struct {
	Entry string `yaml:"entry" json:"entry"`
}

// AuthzConfig binds the plugin to an ability namespace it wants to own.
// Resolver names the function (Lua global for lua plugins) answering checks.
type AuthzConfig struct {
	Namespace string `yaml:"namespace" json:"namespace"`
	Resolver  string `yaml:"resolver" json:"resolver"`
}

// HooksConfig declares the extension points the plugin attaches to.
type HooksConfig struct {
	Filters []HookBinding `yaml:"filters,omitempty" json:"filters,omitempty"`
	Actions []HookBinding `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// HookBinding names one handler function for one hook. Priority zero means
// "use the default"; lower values run earlier.
type HookBinding struct {
	Hook     string `yaml:"hook" json:"hook"`
	Fn       string `yaml:"fn" json:"fn"`
	Priority int    `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

// idPattern validates plugin ids: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens, and not end with a
// hyphen. Single character ids are allowed.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}

	if m.Package == "" {
		return fmt.Errorf("package is required")
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
	}

	switch m.Tier {
	case TierA, TierB:
	default:
		return fmt.Errorf("tier must be 'A' or 'B', got %q", m.Tier)
	}

	for i, c := range m.Capabilities {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("capability %d is empty", i)
		}
	}

	switch m.Runtime {
	case RuntimeLua:
		if m.Lua == nil {
			return fmt.Errorf("lua is required when runtime is lua")
		}
		if m.Lua.Entry == "" {
			return fmt.Errorf("lua.entry is required")
		}
	case RuntimeBuiltin:
	default:
		return fmt.Errorf("runtime must be 'lua' or 'builtin', got %q", m.Runtime)
	}

	if m.Authz != nil {
		if !strings.HasSuffix(m.Authz.Namespace, ".") || len(m.Authz.Namespace) < 2 {
			return fmt.Errorf("authz.namespace %q must end with '.'", m.Authz.Namespace)
		}
		if m.Runtime == RuntimeLua && m.Authz.Resolver == "" {
			return fmt.Errorf("authz.resolver is required for lua plugins")
		}
	}

	if m.Hooks != nil {
		for i, b := range m.Hooks.Filters {
			if err := b.validate(m.Runtime); err != nil {
				return fmt.Errorf("hooks.filters[%d]: %w", i, err)
			}
		}
		for i, b := range m.Hooks.Actions {
			if err := b.validate(m.Runtime); err != nil {
				return fmt.Errorf("hooks.actions[%d]: %w", i, err)
			}
		}
	}

	return nil
}

func (b HookBinding) validate(runtime Runtime) error {
	if b.Hook == "" {
		return fmt.Errorf("hook is required")
	}
	if runtime == RuntimeLua && b.Fn == "" {
		return fmt.Errorf("fn is required for lua plugins")
	}
	if b.Priority < 0 {
		return fmt.Errorf("priority cannot be negative")
	}
	return nil
}
