// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package plugin_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugboard/plugboard/internal/authz"
	"github.com/plugboard/plugboard/internal/hook"
	"github.com/plugboard/plugboard/internal/plugin"
)

type fakeInstance struct {
	resolvers map[string]authz.Resolver
	filters   map[string]hook.FilterFunc
	actions   map[string]hook.ActionFunc
}

func (f *fakeInstance) Resolver(fn string) (authz.Resolver, error) {
	r, ok := f.resolvers[fn]
	if !ok {
		return nil, errors.New("no resolver " + fn)
	}
	return r, nil
}

func (f *fakeInstance) Filter(fn string) (hook.FilterFunc, error) {
	h, ok := f.filters[fn]
	if !ok {
		return nil, errors.New("no filter " + fn)
	}
	return h, nil
}

func (f *fakeInstance) Action(fn string) (hook.ActionFunc, error) {
	h, ok := f.actions[fn]
	if !ok {
		return nil, errors.New("no action " + fn)
	}
	return h, nil
}

func allowAll() authz.Resolver {
	return authz.ResolverFunc(func(context.Context, authz.TenantContext, authz.CheckRequest) (authz.Decision, error) {
		return authz.Allow(), nil
	})
}

// fakeHost fails the first failures loads, then serves instances.
type fakeHost struct {
	instance *fakeInstance
	failures int
	loads    int
	unloaded []string
	closed   bool
}

func (f *fakeHost) Load(_ context.Context, _ *plugin.Manifest, _ string) (plugin.Instance, error) {
	f.loads++
	if f.loads <= f.failures {
		return nil, errors.New("state pool exhausted")
	}
	return f.instance, nil
}

func (f *fakeHost) Unload(_ context.Context, pluginID string) error {
	f.unloaded = append(f.unloaded, pluginID)
	return nil
}

func (f *fakeHost) Close(context.Context) error {
	f.closed = true
	return nil
}

type managerFixture struct {
	manager    *plugin.Manager
	registry   *plugin.Registry
	namespaces *authz.NamespaceRegistry
	hooks      *hook.Registry
	host       *fakeHost
}

func newFixture(t *testing.T, host *fakeHost, opts ...plugin.ManagerOption) *managerFixture {
	t.Helper()
	f := &managerFixture{
		registry:   plugin.NewRegistry(),
		namespaces: authz.NewNamespaceRegistry(),
		hooks:      hook.NewRegistry(),
		host:       host,
	}
	opts = append([]plugin.ManagerOption{
		plugin.WithRuntimeHost(plugin.RuntimeBuiltin, host),
	}, opts...)
	f.manager = plugin.NewManager(t.TempDir(), f.registry, f.namespaces, f.hooks, opts...)
	return f
}

func wiredManifest() *plugin.Manifest {
	return &plugin.Manifest{
		ID:           "notes",
		Package:      "@acme/notes",
		Version:      "1.0.0",
		Tier:         plugin.TierB,
		Runtime:      plugin.RuntimeBuiltin,
		Capabilities: []string{"app:authz", "app:hooks"},
		Authz:        &plugin.AuthzConfig{Namespace: "notes.", Resolver: "resolve"},
		Hooks: &plugin.HooksConfig{
			Filters: []plugin.HookBinding{{Hook: "dashboard.widgets", Fn: "widgets", Priority: 10}},
			Actions: []plugin.HookBinding{{Hook: "tenant.created", Fn: "created"}},
		},
	}
}

func wiredInstance() *fakeInstance {
	return &fakeInstance{
		resolvers: map[string]authz.Resolver{"resolve": allowAll()},
		filters: map[string]hook.FilterFunc{
			"widgets": func(_ context.Context, v any, _ hook.Context) (any, error) { return v, nil },
		},
		actions: map[string]hook.ActionFunc{
			"created": func(context.Context, any) error { return nil },
		},
	}
}

func TestManager_BootActivatesAndWires(t *testing.T) {
	f := newFixture(t, &fakeHost{instance: wiredInstance()})
	m := wiredManifest()
	require.NoError(t, f.registry.Register(m))

	err := f.manager.Boot(context.Background(), &plugin.DiscoveredPlugin{Manifest: m, Dir: "unused"})
	require.NoError(t, err)

	state, ok := f.registry.Get("notes")
	require.True(t, ok)
	assert.Equal(t, plugin.StatusActive, state.Status)
	require.NotNil(t, state.BootedAt)
	assert.ElementsMatch(t, []string{"app:authz", "app:hooks"}, state.GrantedCapabilities())

	assert.True(t, f.namespaces.Has("notes."))
	assert.Equal(t, 1, f.hooks.FilterCount("dashboard.widgets"))
	assert.Equal(t, 1, f.hooks.ActionCount("tenant.created"))
}

func TestManager_BootDeniedCapabilityQuarantines(t *testing.T) {
	f := newFixture(t, &fakeHost{instance: wiredInstance()},
		plugin.WithGrantPolicy(func(*plugin.Manifest) []string { return nil }))
	m := wiredManifest()
	require.NoError(t, f.registry.Register(m))

	err := f.manager.Boot(context.Background(), &plugin.DiscoveredPlugin{Manifest: m, Dir: "unused"})
	require.Error(t, err)

	oerr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "CAPABILITY_DENIED", oerr.Code())

	state, _ := f.registry.Get("notes")
	assert.Equal(t, plugin.StatusQuarantined, state.Status)
	assert.NotEmpty(t, state.ErrorMessage)

	assert.False(t, f.namespaces.Has("notes."), "quarantine must tear out registrations")
	assert.Equal(t, 0, f.hooks.FilterCount("dashboard.widgets"))
}

func TestManager_BootNoRuntimeHost(t *testing.T) {
	f := &managerFixture{
		registry:   plugin.NewRegistry(),
		namespaces: authz.NewNamespaceRegistry(),
		hooks:      hook.NewRegistry(),
	}
	f.manager = plugin.NewManager(t.TempDir(), f.registry, f.namespaces, f.hooks)

	m := wiredManifest()
	require.NoError(t, f.registry.Register(m))

	err := f.manager.Boot(context.Background(), &plugin.DiscoveredPlugin{Manifest: m, Dir: "unused"})
	require.Error(t, err)

	oerr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "NO_RUNTIME_HOST", oerr.Code())

	state, _ := f.registry.Get("notes")
	assert.Equal(t, plugin.StatusQuarantined, state.Status)
}

func TestManager_BootRetriesTransientLoadFailure(t *testing.T) {
	host := &fakeHost{instance: wiredInstance(), failures: 1}
	f := newFixture(t, host, plugin.WithBootRetries(2))
	m := wiredManifest()
	require.NoError(t, f.registry.Register(m))

	err := f.manager.Boot(context.Background(), &plugin.DiscoveredPlugin{Manifest: m, Dir: "unused"})
	require.NoError(t, err)
	assert.Equal(t, 2, host.loads)

	state, _ := f.registry.Get("notes")
	assert.Equal(t, plugin.StatusActive, state.Status)
}

func TestManager_BootQuarantinesAfterRetryBudget(t *testing.T) {
	host := &fakeHost{instance: wiredInstance(), failures: 10}
	f := newFixture(t, host, plugin.WithBootRetries(1))
	m := wiredManifest()
	require.NoError(t, f.registry.Register(m))

	err := f.manager.Boot(context.Background(), &plugin.DiscoveredPlugin{Manifest: m, Dir: "unused"})
	require.Error(t, err)
	assert.Equal(t, 2, host.loads, "one attempt plus one retry")

	state, _ := f.registry.Get("notes")
	assert.Equal(t, plugin.StatusQuarantined, state.Status)
	assert.Contains(t, state.ErrorMessage, "state pool exhausted")
}

func TestManager_BootWireFailureCleansUp(t *testing.T) {
	inst := wiredInstance()
	delete(inst.actions, "created")
	f := newFixture(t, &fakeHost{instance: inst})
	m := wiredManifest()
	require.NoError(t, f.registry.Register(m))

	err := f.manager.Boot(context.Background(), &plugin.DiscoveredPlugin{Manifest: m, Dir: "unused"})
	require.Error(t, err)

	// The resolver and filter were installed before the action lookup
	// failed; both must be gone.
	assert.False(t, f.namespaces.Has("notes."))
	assert.Equal(t, 0, f.hooks.FilterCount("dashboard.widgets"))

	state, _ := f.registry.Get("notes")
	assert.Equal(t, plugin.StatusQuarantined, state.Status)
}

func TestManager_UnloadCascades(t *testing.T) {
	f := newFixture(t, &fakeHost{instance: wiredInstance()})
	m := wiredManifest()
	require.NoError(t, f.registry.Register(m))
	require.NoError(t, f.manager.Boot(context.Background(), &plugin.DiscoveredPlugin{Manifest: m, Dir: "unused"}))

	require.True(t, f.manager.Unload(context.Background(), "notes"))

	assert.False(t, f.namespaces.Has("notes."))
	assert.Equal(t, 0, f.hooks.FilterCount("dashboard.widgets"))
	assert.Equal(t, 0, f.hooks.ActionCount("tenant.created"))
	assert.Equal(t, []string{"notes"}, f.host.unloaded)
	_, ok := f.registry.Get("notes")
	assert.False(t, ok)

	assert.False(t, f.manager.Unload(context.Background(), "notes"))
}

func TestManager_Close(t *testing.T) {
	f := newFixture(t, &fakeHost{instance: wiredInstance()})
	require.NoError(t, f.manager.Close(context.Background()))
	assert.True(t, f.host.closed)
}

func writePluginDir(t *testing.T, root, dir, manifest string) {
	t.Helper()
	pluginDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(pluginDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(manifest), 0o644))
}

func TestManager_Discover(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "notes", `
id: notes
package: "@acme/notes"
version: 1.0.0
tier: B
runtime: builtin
`)
	writePluginDir(t, root, "broken", `
id: Broken!
package: "@acme/broken"
version: 1.0.0
tier: B
runtime: builtin
`)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	m := plugin.NewManager(root, plugin.NewRegistry(), authz.NewNamespaceRegistry(), hook.NewRegistry())
	discovered, err := m.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, discovered, 1)
	assert.Equal(t, "notes", discovered[0].Manifest.ID)
	assert.Equal(t, filepath.Join(root, "notes"), discovered[0].Dir)
}

func TestManager_DiscoverMissingDirectory(t *testing.T) {
	m := plugin.NewManager(filepath.Join(t.TempDir(), "nope"),
		plugin.NewRegistry(), authz.NewNamespaceRegistry(), hook.NewRegistry())
	discovered, err := m.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, discovered)
}

func TestManager_BootAllIsolatesFailures(t *testing.T) {
	root := t.TempDir()
	writePluginDir(t, root, "good", `
id: good
package: "@acme/good"
version: 1.0.0
tier: B
runtime: builtin
`)
	writePluginDir(t, root, "bad", `
id: bad
package: "@acme/bad"
version: 1.0.0
tier: B
runtime: lua
lua:
  entry: main.lua
`)

	registry := plugin.NewRegistry()
	m := plugin.NewManager(root, registry, authz.NewNamespaceRegistry(), hook.NewRegistry(),
		plugin.WithRuntimeHost(plugin.RuntimeBuiltin, &fakeHost{instance: wiredInstance()}))

	// No lua host is configured, so "bad" quarantines while "good" boots.
	require.NoError(t, m.BootAll(context.Background()))

	good, _ := registry.Get("good")
	assert.Equal(t, plugin.StatusActive, good.Status)

	bad, _ := registry.Get("bad")
	assert.Equal(t, plugin.StatusQuarantined, bad.Status)
}

type recordingStore struct {
	saved    []string
	statuses []string
	grants   map[string][]string
	deleted  []string
}

func (s *recordingStore) SaveManifest(_ context.Context, m *plugin.Manifest, _ int) error {
	s.saved = append(s.saved, m.ID)
	return nil
}

func (s *recordingStore) RecordStatus(_ context.Context, pluginID string, status plugin.Status, _ string) error {
	s.statuses = append(s.statuses, pluginID+":"+string(status))
	return nil
}

func (s *recordingStore) RecordGrants(_ context.Context, pluginID string, capabilities []string) error {
	if s.grants == nil {
		s.grants = make(map[string][]string)
	}
	s.grants[pluginID] = capabilities
	return nil
}

func (s *recordingStore) Delete(_ context.Context, pluginID string) error {
	s.deleted = append(s.deleted, pluginID)
	return nil
}

func TestManager_StateStoreWriteThrough(t *testing.T) {
	store := &recordingStore{}
	f := newFixture(t, &fakeHost{instance: wiredInstance()}, plugin.WithStateStore(store))
	m := wiredManifest()
	require.NoError(t, f.registry.Register(m))

	require.NoError(t, f.manager.Boot(context.Background(), &plugin.DiscoveredPlugin{Manifest: m, Dir: "unused"}))
	require.True(t, f.manager.Unload(context.Background(), "notes"))

	assert.Equal(t, []string{"notes:booting", "notes:active"}, store.statuses)
	assert.Equal(t, []string{"app:authz", "app:hooks"}, store.grants["notes"])
	assert.Equal(t, []string{"notes"}, store.deleted)
}
