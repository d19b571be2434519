// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package plugin

import (
	"context"

	"github.com/plugboard/plugboard/internal/authz"
	"github.com/plugboard/plugboard/internal/hook"
)

// RuntimeHost loads and tears down plugins of one runtime type.
type RuntimeHost interface {
	// Load initializes a plugin from its manifest and directory, returning
	// the instance whose named functions back the manifest's bindings.
	Load(ctx context.Context, manifest *Manifest, dir string) (Instance, error)

	// Unload tears down a plugin.
	Unload(ctx context.Context, pluginID string) error

	// Close shuts down the host and all plugins.
	Close(ctx context.Context) error
}

// Instance is a loaded plugin's callable surface. The manager binds the
// functions named in the manifest into the authz and hook registries.
type Instance interface {
	// Resolver returns the named authorization resolver.
	Resolver(fn string) (authz.Resolver, error)

	// Filter returns the named filter handler.
	Filter(fn string) (hook.FilterFunc, error)

	// Action returns the named action handler.
	Action(fn string) (hook.ActionFunc, error)
}
