// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package authz

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Registration records one plugin's ownership of a namespace.
type Registration struct {
	PluginID     string
	Namespace    string
	Resolver     Resolver
	RegisteredAt time.Time
}

// NamespaceRegistry is the single source of truth mapping an ability
// namespace to the one resolver allowed to answer checks in that space.
// It is safe for concurrent use by multiple goroutines.
type NamespaceRegistry struct {
	mu            sync.RWMutex
	registrations map[string]Registration
}

// NewNamespaceRegistry creates an empty namespace registry.
func NewNamespaceRegistry() *NamespaceRegistry {
	return &NamespaceRegistry{
		registrations: make(map[string]Registration),
	}
}

// Register installs resolver as the owner of namespace. The namespace must
// end with "." and must not already be owned: exactly one plugin owns a
// given ability space, so a conflict is an error naming the current owner
// rather than a silent override.
func (r *NamespaceRegistry) Register(pluginID, namespace string, resolver Resolver) error {
	if pluginID == "" {
		return oops.In("authz").Code("INVALID_PLUGIN_ID").New("plugin id cannot be empty")
	}
	if namespace == "" || !isValidNamespace(namespace) {
		return oops.In("authz").
			Code("INVALID_NAMESPACE").
			With("namespace", namespace).
			Errorf("namespace %q must end with %q", namespace, ".")
	}
	if resolver == nil {
		return oops.In("authz").Code("NIL_RESOLVER").With("namespace", namespace).New("resolver cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.registrations[namespace]; ok {
		return oops.In("authz").
			Code("NAMESPACE_CONFLICT").
			With("namespace", namespace).
			With("owner", existing.PluginID).
			With("plugin", pluginID).
			Errorf("namespace %q already registered by plugin %q", namespace, existing.PluginID)
	}

	r.registrations[namespace] = Registration{
		PluginID:     pluginID,
		Namespace:    namespace,
		Resolver:     resolver,
		RegisteredAt: time.Now(),
	}
	return nil
}

func isValidNamespace(namespace string) bool {
	return len(namespace) > 1 && namespace[len(namespace)-1] == '.'
}

// Unregister removes the registration for namespace.
// Reports whether the namespace was registered.
func (r *NamespaceRegistry) Unregister(namespace string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.registrations[namespace]; !ok {
		return false
	}
	delete(r.registrations, namespace)
	return true
}

// UnregisterPlugin removes every namespace owned by pluginID. Namespaces
// owned by other plugins are untouched.
func (r *NamespaceRegistry) UnregisterPlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ns, reg := range r.registrations {
		if reg.PluginID == pluginID {
			delete(r.registrations, ns)
		}
	}
}

// Has reports whether namespace is registered.
func (r *NamespaceRegistry) Has(namespace string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registrations[namespace]
	return ok
}

// Resolver returns the resolver for namespace, or nil if unregistered.
func (r *NamespaceRegistry) Resolver(namespace string) Resolver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registrations[namespace].Resolver
}

// Registration returns the full registration for namespace.
func (r *NamespaceRegistry) Registration(namespace string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[namespace]
	return reg, ok
}

// Namespaces returns all registered namespaces, sorted.
func (r *NamespaceRegistry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	namespaces := make([]string, 0, len(r.registrations))
	for ns := range r.registrations {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)
	return namespaces
}

// Registrations returns a copy of every registration, ordered by namespace.
func (r *NamespaceRegistry) Registrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]Registration, 0, len(r.registrations))
	for _, reg := range r.registrations {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Namespace < regs[j].Namespace })
	return regs
}

// PluginNamespaces returns the namespaces owned by pluginID, sorted.
func (r *NamespaceRegistry) PluginNamespaces(pluginID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var namespaces []string
	for ns, reg := range r.registrations {
		if reg.PluginID == pluginID {
			namespaces = append(namespaces, ns)
		}
	}
	sort.Strings(namespaces)
	return namespaces
}

// Clear removes all registrations. Teardown helper.
func (r *NamespaceRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = make(map[string]Registration)
}
