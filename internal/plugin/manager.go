// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/plugboard/plugboard/internal/authz"
	"github.com/plugboard/plugboard/internal/hook"
	"github.com/plugboard/plugboard/internal/plugin/capability"
)

// GrantPolicy decides which of a manifest's requested capabilities are
// granted. The default grants everything requested; a stricter host wires
// its approval workflow in here.
type GrantPolicy func(m *Manifest) []string

// GrantRequested is the default policy: every requested capability is granted.
func GrantRequested(m *Manifest) []string {
	return m.Capabilities
}

// StateStore persists lifecycle records for operator tooling. All methods
// are write-through: failures are logged, never fatal to the boot.
type StateStore interface {
	SaveManifest(ctx context.Context, m *Manifest, bootPosition int) error
	RecordStatus(ctx context.Context, pluginID string, status Status, errorMessage string) error
	RecordGrants(ctx context.Context, pluginID string, capabilities []string) error
	Delete(ctx context.Context, pluginID string) error
}

// Manager discovers plugins and drives their lifecycle: register pending,
// boot through booting to active, quarantine on failure, and unload as one
// logical operation across all registries.
type Manager struct {
	pluginsDir  string
	registry    *Registry
	namespaces  *authz.NamespaceRegistry
	hooks       *hook.Registry
	gate        *capability.Gate
	hosts       map[Runtime]RuntimeHost
	policy      GrantPolicy
	store       StateStore
	bootRetries uint64
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithRuntimeHost sets the host for a runtime type.
func WithRuntimeHost(r Runtime, h RuntimeHost) ManagerOption {
	return func(m *Manager) {
		m.hosts[r] = h
	}
}

// WithGrantPolicy replaces the default grant-everything-requested policy.
func WithGrantPolicy(p GrantPolicy) ManagerOption {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithStateStore enables write-through persistence of lifecycle records.
func WithStateStore(s StateStore) ManagerOption {
	return func(m *Manager) {
		m.store = s
	}
}

// WithBootRetries sets how many times a failing plugin load is retried
// before quarantine.
func WithBootRetries(n uint64) ManagerOption {
	return func(m *Manager) {
		m.bootRetries = n
	}
}

// NewManager creates a plugin manager over the given registries.
func NewManager(pluginsDir string, registry *Registry, namespaces *authz.NamespaceRegistry, hooks *hook.Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir:  pluginsDir,
		registry:    registry,
		namespaces:  namespaces,
		hooks:       hooks,
		gate:        capability.NewGate(registry),
		hosts:       make(map[Runtime]RuntimeHost),
		policy:      GrantRequested,
		bootRetries: 2,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the plugin registry the manager drives.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Gate returns the capability gate backed by the registry.
func (m *Manager) Gate() *capability.Gate {
	return m.gate
}

// DiscoveredPlugin contains a manifest and its directory.
type DiscoveredPlugin struct {
	Manifest *Manifest
	Dir      string
}

// Discover finds all valid plugins in the plugins directory.
// Invalid plugins are logged and skipped.
func (m *Manager) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No plugins directory
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	var discovered []*DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, "plugin.yaml")

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		discovered = append(discovered, &DiscoveredPlugin{
			Manifest: manifest,
			Dir:      pluginDir,
		})
	}

	return discovered, nil
}

// BootAll discovers, registers, and boots every plugin. A plugin that fails
// to boot is quarantined with its handlers and namespaces torn out; it never
// fails the host start.
func (m *Manager) BootAll(ctx context.Context) error {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*DiscoveredPlugin, len(discovered))
	for _, dp := range discovered {
		if err := m.registry.Register(dp.Manifest); err != nil {
			slog.Error("failed to register plugin",
				"plugin", dp.Manifest.ID,
				"error", err)
			continue
		}
		byID[dp.Manifest.ID] = dp
		m.persistManifest(ctx, dp.Manifest)
	}

	for _, id := range m.registry.BootOrder() {
		dp, ok := byID[id]
		if !ok {
			continue // registered in an earlier run, nothing to boot here
		}
		if err := m.Boot(ctx, dp); err != nil {
			slog.Error("plugin boot failed, quarantined",
				"plugin", id,
				"error", err)
		}
	}

	slog.Info("plugin boot complete", "stats", m.registry.Stats().String())
	return nil
}

// Boot drives one discovered plugin from pending to active, quarantining it
// on any failure.
func (m *Manager) Boot(ctx context.Context, dp *DiscoveredPlugin) error {
	id := dp.Manifest.ID

	m.registry.SetStatus(id, StatusBooting)
	m.recordStatus(ctx, id, StatusBooting, "")

	if err := m.boot(ctx, dp); err != nil {
		m.quarantine(ctx, id, err)
		return err
	}

	m.registry.SetStatus(id, StatusActive)
	m.recordStatus(ctx, id, StatusActive, "")

	slog.Info("plugin active",
		"plugin", id,
		"version", dp.Manifest.Version,
		"tier", string(dp.Manifest.Tier))
	return nil
}

func (m *Manager) boot(ctx context.Context, dp *DiscoveredPlugin) error {
	manifest := dp.Manifest

	grants := m.policy(manifest)
	if err := m.registry.GrantCapabilities(manifest.ID, grants); err != nil {
		return err
	}
	m.persistGrants(ctx, manifest.ID, grants)

	host, ok := m.hosts[manifest.Runtime]
	if !ok {
		return oops.In("plugin").
			Code("NO_RUNTIME_HOST").
			With("plugin", manifest.ID).
			With("runtime", string(manifest.Runtime)).
			Errorf("no host configured for runtime %q", manifest.Runtime)
	}

	// Transient load failures (filesystem, state pool) get a short retry
	// budget before the plugin is written off.
	var instance Instance
	backoff := retry.WithMaxRetries(m.bootRetries, retry.NewExponential(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var loadErr error
		instance, loadErr = host.Load(ctx, manifest, dp.Dir)
		if loadErr != nil {
			return retry.RetryableError(loadErr)
		}
		return nil
	})
	if err != nil {
		return oops.In("plugin").With("plugin", manifest.ID).Hint("load failed").Wrap(err)
	}

	if err := m.wire(manifest, instance); err != nil {
		// Half-wired registrations must not survive a failed boot.
		m.unwire(manifest.ID)
		return err
	}
	return nil
}

// wire installs the manifest's authz and hook bindings, enforcing the
// capability gate before each kind of registration.
func (m *Manager) wire(manifest *Manifest, instance Instance) error {
	if manifest.Authz != nil {
		if err := m.gate.Require(manifest.ID, capability.Authz); err != nil {
			return err
		}
		resolver, err := instance.Resolver(manifest.Authz.Resolver)
		if err != nil {
			return err
		}
		if err := m.namespaces.Register(manifest.ID, manifest.Authz.Namespace, resolver); err != nil {
			return err
		}
	}

	if manifest.Hooks == nil {
		return nil
	}
	if err := m.gate.Require(manifest.ID, capability.Hooks); err != nil {
		return err
	}

	for _, b := range manifest.Hooks.Filters {
		fn, err := instance.Filter(b.Fn)
		if err != nil {
			return err
		}
		if err := m.hooks.AddFilter(b.Hook, manifest.ID, fn, bindingOptions(b)...); err != nil {
			return err
		}
	}
	for _, b := range manifest.Hooks.Actions {
		fn, err := instance.Action(b.Fn)
		if err != nil {
			return err
		}
		if err := m.hooks.AddAction(b.Hook, manifest.ID, fn, bindingOptions(b)...); err != nil {
			return err
		}
	}
	return nil
}

func bindingOptions(b HookBinding) []hook.Option {
	if b.Priority == 0 {
		return nil
	}
	return []hook.Option{hook.WithPriority(b.Priority)}
}

// unwire removes a plugin's registrations from the authz and hook
// registries. Registry state (status, grants) is left to the caller.
func (m *Manager) unwire(pluginID string) {
	m.hooks.RemoveAllPluginHooks(pluginID)
	m.namespaces.UnregisterPlugin(pluginID)
}

func (m *Manager) quarantine(ctx context.Context, pluginID string, cause error) {
	m.unwire(pluginID)
	m.registry.Quarantine(pluginID, cause.Error())
	m.recordStatus(ctx, pluginID, StatusQuarantined, cause.Error())
}

// Unload removes one plugin from every registry as a single logical
// operation: hooks, namespaces, runtime, inventory, persisted state.
func (m *Manager) Unload(ctx context.Context, pluginID string) bool {
	state, ok := m.registry.Get(pluginID)
	if !ok {
		return false
	}

	m.unwire(pluginID)

	if host, ok := m.hosts[state.Manifest.Runtime]; ok {
		if err := host.Unload(ctx, pluginID); err != nil {
			slog.Warn("runtime unload failed",
				"plugin", pluginID,
				"error", err)
		}
	}

	m.registry.Unregister(pluginID)

	if m.store != nil {
		if err := m.store.Delete(ctx, pluginID); err != nil {
			slog.Warn("failed to delete persisted plugin state",
				"plugin", pluginID,
				"error", err)
		}
	}
	return true
}

// Close shuts down all runtime hosts.
func (m *Manager) Close(ctx context.Context) error {
	var firstErr error
	for runtime, host := range m.hosts {
		if err := host.Close(ctx); err != nil {
			slog.Error("runtime host close failed",
				"runtime", string(runtime),
				"error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) persistManifest(ctx context.Context, manifest *Manifest) {
	if m.store == nil {
		return
	}
	position := len(m.registry.BootOrder()) - 1
	for i, id := range m.registry.BootOrder() {
		if id == manifest.ID {
			position = i
			break
		}
	}
	if err := m.store.SaveManifest(ctx, manifest, position); err != nil {
		slog.Warn("failed to persist plugin manifest",
			"plugin", manifest.ID,
			"error", err)
	}
}

func (m *Manager) recordStatus(ctx context.Context, pluginID string, status Status, errorMessage string) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordStatus(ctx, pluginID, status, errorMessage); err != nil {
		slog.Warn("failed to persist plugin status",
			"plugin", pluginID,
			"status", string(status),
			"error", err)
	}
}

func (m *Manager) persistGrants(ctx context.Context, pluginID string, capabilities []string) {
	if m.store == nil {
		return
	}
	if err := m.store.RecordGrants(ctx, pluginID, capabilities); err != nil {
		slog.Warn("failed to persist plugin grants",
			"plugin", pluginID,
			"error", err)
	}
}
