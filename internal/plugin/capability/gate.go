// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

// Package capability gates what host-side actions a plugin's code may
// perform. The plugin registry is the sole source of truth for grants;
// this package is the thin consumer the route and storage layers call
// before letting plugin code through.
package capability

import "github.com/samber/oops"

// Well-known capability names. Grants may also be glob patterns over ':'
// segments ("app:db:*"), matched by the registry.
const (
	Routes  = "app:routes"
	DBRead  = "app:db:read"
	DBWrite = "app:db:write"
	Hooks   = "app:hooks"
	Authz   = "app:authz"
)

// Checker answers capability checks. Implemented by plugin.Registry.
type Checker interface {
	HasCapability(pluginID, capability string) bool
}

// Gate decides whether a plugin may perform gated host actions.
type Gate struct {
	checker Checker
}

// NewGate creates a capability gate over the given checker.
func NewGate(checker Checker) *Gate {
	return &Gate{checker: checker}
}

// CanRegisterRoutes reports whether the plugin may register HTTP routes.
func (g *Gate) CanRegisterRoutes(pluginID string) bool {
	return g.checker.HasCapability(pluginID, Routes)
}

// CanReadDB reports whether the plugin may read from the database.
func (g *Gate) CanReadDB(pluginID string) bool {
	return g.checker.HasCapability(pluginID, DBRead)
}

// CanWriteDB reports whether the plugin may write to the database.
func (g *Gate) CanWriteDB(pluginID string) bool {
	return g.checker.HasCapability(pluginID, DBWrite)
}

// Require returns an error unless the plugin holds the capability.
// Boot code uses this to reject a plugin's registrations up front.
func (g *Gate) Require(pluginID, cap string) error {
	if !g.checker.HasCapability(pluginID, cap) {
		return oops.In("capability").
			Code("CAPABILITY_DENIED").
			With("plugin", pluginID).
			With("capability", cap).
			Errorf("plugin %q lacks capability %q", pluginID, cap)
	}
	return nil
}
