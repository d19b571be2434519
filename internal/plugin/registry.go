// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package plugin

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Status is a plugin's lifecycle state.
type Status string

// Lifecycle states. The intended graph is pending → booting → active, with
// quarantined reachable from any non-terminal state and itself terminal.
const (
	StatusPending     Status = "pending"
	StatusBooting     Status = "booting"
	StatusActive      Status = "active"
	StatusQuarantined Status = "quarantined"
)

// ErrAlreadyRegistered indicates a duplicate plugin id. Registration is
// add-only, never an implicit update.
var ErrAlreadyRegistered = errors.New("plugin already registered")

// compiledGrant holds a capability pattern and its compiled glob.
// Patterns use ':' as the segment separator, so "app:db:*" matches
// "app:db:read" but not "app:routes".
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// State is a plugin's full registry record.
type State struct {
	Manifest     *Manifest
	Status       Status
	BootedAt     *time.Time
	ErrorMessage string

	grants []compiledGrant
}

// GrantedCapabilities returns a copy of the capability patterns granted to
// the plugin.
func (s *State) GrantedCapabilities() []string {
	patterns := make([]string, len(s.grants))
	for i, g := range s.grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Stats aggregates registry counts for diagnostics.
type Stats struct {
	Total       int
	Pending     int
	Booting     int
	Active      int
	Quarantined int
	TierA       int
	TierB       int
}

// Registry is the authoritative inventory of plugins, their manifests,
// lifecycle state, and granted capabilities. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	plugins   map[string]*State
	bootOrder []string
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		plugins: make(map[string]*State),
	}
}

// Register adds a plugin with status pending, no granted capabilities, and
// the next boot-order slot. Validation failures are joined into one error;
// a duplicate id wraps ErrAlreadyRegistered.
func (r *Registry) Register(m *Manifest) error {
	if m == nil {
		return oops.In("plugin").Code("NIL_MANIFEST").New("manifest cannot be nil")
	}
	if err := m.Validate(); err != nil {
		return oops.In("plugin").Code("INVALID_MANIFEST").With("plugin", m.ID).Wrap(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plugins[m.ID]; ok {
		return oops.In("plugin").
			Code("ALREADY_REGISTERED").
			With("plugin", m.ID).
			Wrapf(ErrAlreadyRegistered, "plugin %q already registered", m.ID)
	}

	r.plugins[m.ID] = &State{
		Manifest: m,
		Status:   StatusPending,
	}
	r.bootOrder = append(r.bootOrder, m.ID)
	return nil
}

// SetStatus records a new lifecycle status for a known plugin, returning
// false for unknown ids. The transition graph is advisory: the host drives
// statuses in order, and the registry records what it is told. Moving to
// active stamps BootedAt. Leaving quarantined is never done deliberately,
// so it is logged.
func (r *Registry) SetStatus(pluginID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.plugins[pluginID]
	if !ok {
		return false
	}

	if state.Status == StatusQuarantined && status != StatusQuarantined {
		slog.Warn("plugin leaving quarantined state",
			"plugin", pluginID,
			"status", string(status))
	}

	state.Status = status
	if status == StatusActive {
		now := time.Now()
		state.BootedAt = &now
	}
	return true
}

// Quarantine marks the plugin quarantined with a diagnostic message.
// Terminal: no further transition is expected afterward.
func (r *Registry) Quarantine(pluginID, errorMessage string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.plugins[pluginID]
	if !ok {
		return false
	}
	state.Status = StatusQuarantined
	state.ErrorMessage = errorMessage
	return true
}

// GrantCapabilities replaces the plugin's granted capability list wholesale;
// callers pass the full desired set each time. Patterns are glob-compiled
// with ':' as the separator before any state changes (all-or-nothing).
func (r *Registry) GrantCapabilities(pluginID string, capabilities []string) error {
	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return oops.In("plugin").
				Code("INVALID_CAPABILITY").
				With("plugin", pluginID).
				Errorf("capability %d: empty capability pattern", i)
		}
		g, err := glob.Compile(pattern, ':')
		if err != nil {
			return oops.In("plugin").
				Code("INVALID_CAPABILITY").
				With("plugin", pluginID).
				With("pattern", pattern).
				Wrapf(err, "capability %d (%q)", i, pattern)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.plugins[pluginID]
	if !ok {
		return oops.In("plugin").Code("UNKNOWN_PLUGIN").With("plugin", pluginID).Errorf("unknown plugin %q", pluginID)
	}
	state.grants = compiled
	return nil
}

// HasCapability reports whether the plugin was granted the capability.
// False for unknown plugins and empty capability strings (deny by default).
func (r *Registry) HasCapability(pluginID, capability string) bool {
	if capability == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.plugins[pluginID]
	if !ok {
		return false
	}
	for _, grant := range state.grants {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}

// Get returns the state for pluginID.
func (r *Registry) Get(pluginID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.plugins[pluginID]
	if !ok {
		return nil, false
	}
	copied := *state
	return &copied, true
}

// All returns every plugin state in boot order.
func (r *Registry) All() []*State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(*State) bool { return true })
}

// ByStatus returns plugin states with the given status, in boot order.
func (r *Registry) ByStatus(status Status) []*State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(s *State) bool { return s.Status == status })
}

// ByTier returns plugin states with the given tier, in boot order.
func (r *Registry) ByTier(tier Tier) []*State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(func(s *State) bool { return s.Manifest.Tier == tier })
}

// Active returns plugins with status active, in boot order.
func (r *Registry) Active() []*State {
	return r.ByStatus(StatusActive)
}

// Quarantined returns plugins with status quarantined, in boot order.
func (r *Registry) Quarantined() []*State {
	return r.ByStatus(StatusQuarantined)
}

// collect must be called with at least a read lock held.
func (r *Registry) collect(keep func(*State) bool) []*State {
	states := make([]*State, 0, len(r.bootOrder))
	for _, id := range r.bootOrder {
		state := r.plugins[id]
		if keep(state) {
			copied := *state
			states = append(states, &copied)
		}
	}
	return states
}

// BootOrder returns plugin ids in first-registration order.
func (r *Registry) BootOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order := make([]string, len(r.bootOrder))
	copy(order, r.bootOrder)
	return order
}

// Stats returns aggregate counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{Total: len(r.plugins)}
	for _, state := range r.plugins {
		switch state.Status {
		case StatusPending:
			stats.Pending++
		case StatusBooting:
			stats.Booting++
		case StatusActive:
			stats.Active++
		case StatusQuarantined:
			stats.Quarantined++
		}
		switch state.Manifest.Tier {
		case TierA:
			stats.TierA++
		case TierB:
			stats.TierB++
		}
	}
	return stats
}

// Unregister removes the plugin's state and its boot-order slot, leaving
// the relative order of remaining entries unchanged. Reports whether the
// plugin was registered.
func (r *Registry) Unregister(pluginID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plugins[pluginID]; !ok {
		return false
	}
	delete(r.plugins, pluginID)
	for i, id := range r.bootOrder {
		if id == pluginID {
			r.bootOrder = append(r.bootOrder[:i], r.bootOrder[i+1:]...)
			break
		}
	}
	return true
}

// String implements fmt.Stringer for Stats log lines.
func (s Stats) String() string {
	return fmt.Sprintf("total=%d pending=%d booting=%d active=%d quarantined=%d tierA=%d tierB=%d",
		s.Total, s.Pending, s.Booting, s.Active, s.Quarantined, s.TierA, s.TierB)
}
