// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/plugboard/plugboard/internal/authz"
	"github.com/plugboard/plugboard/internal/hook"
	"github.com/plugboard/plugboard/internal/plugin"
	pluginlua "github.com/plugboard/plugboard/internal/plugin/lua"
)

const notesManifest = `id: notes
package: plugboard/notes
version: 1.0.0
tier: A
runtime: lua
capabilities:
  - app:authz
  - app:hooks
lua:
  entry: main.lua
authz:
  namespace: notes.
  resolver: resolve
hooks:
  filters:
    - hook: dashboard.widgets
      fn: widgets
`

const notesEntry = `
function resolve(tenant, request)
    if tenant.user_id == "" then
        return { allow = false, reason = "anonymous" }
    end
    return true
end

function widgets(list)
    table.insert(list, "notes")
    return list
end
`

const brokenManifest = `id: broken
package: plugboard/broken
version: 1.0.0
tier: B
runtime: lua
capabilities:
  - app:hooks
lua:
  entry: main.lua
hooks:
  actions:
    - hook: tenant.created
      fn: on_created
`

var _ = Describe("Host boot", func() {
	var (
		ctx        context.Context
		dir        string
		hooks      *hook.Registry
		namespaces *authz.NamespaceRegistry
		service    *authz.Service
		registry   *plugin.Registry
		manager    *plugin.Manager
	)

	writePlugin := func(id, manifest, entry string) {
		pluginDir := filepath.Join(dir, id)
		Expect(os.MkdirAll(pluginDir, 0o750)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(pluginDir, "plugin.yaml"), []byte(manifest), 0o600)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(pluginDir, "main.lua"), []byte(entry), 0o600)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		dir = GinkgoT().TempDir()
		hooks = hook.NewRegistry()
		namespaces = authz.NewNamespaceRegistry()
		service = authz.NewService(namespaces)
		registry = plugin.NewRegistry()

		writePlugin("notes", notesManifest, notesEntry)

		manager = plugin.NewManager(dir, registry, namespaces, hooks,
			plugin.WithRuntimeHost(plugin.RuntimeLua, pluginlua.NewHost()))
	})

	AfterEach(func() {
		Expect(manager.Close(ctx)).To(Succeed())
	})

	It("boots a Lua plugin to active and serves its resolver", func() {
		Expect(manager.BootAll(ctx)).To(Succeed())

		state, ok := registry.Get("notes")
		Expect(ok).To(BeTrue())
		Expect(state.Status).To(Equal(plugin.StatusActive))

		tc := authz.TenantContext{TenantID: "t1", UserID: "u1"}
		decision := service.Check(ctx, tc, authz.CheckRequest{Ability: "notes.read"})
		Expect(decision.Allow).To(BeTrue())

		anon := authz.TenantContext{TenantID: "t1"}
		decision = service.Check(ctx, anon, authz.CheckRequest{Ability: "notes.read"})
		Expect(decision.Allow).To(BeFalse())
		Expect(decision.Reason).To(Equal("anonymous"))
	})

	It("runs plugin filters registered at boot", func() {
		Expect(manager.BootAll(ctx)).To(Succeed())

		out := hooks.ApplyFilters(ctx, "dashboard.widgets", []any{"calendar"}, hook.Context{})
		Expect(out).To(Equal([]any{"calendar", "notes"}))
	})

	It("quarantines a plugin whose entry fails to load and boots the rest", func() {
		writePlugin("broken", brokenManifest, `this is not lua`)

		Expect(manager.BootAll(ctx)).To(Succeed())

		notes, _ := registry.Get("notes")
		Expect(notes.Status).To(Equal(plugin.StatusActive))

		broken, ok := registry.Get("broken")
		Expect(ok).To(BeTrue())
		Expect(broken.Status).To(Equal(plugin.StatusQuarantined))
		Expect(broken.ErrorMessage).NotTo(BeEmpty())
	})

	It("unloads a plugin and denies its namespace afterwards", func() {
		Expect(manager.BootAll(ctx)).To(Succeed())
		Expect(manager.Unload(ctx, "notes")).To(BeTrue())

		_, ok := registry.Get("notes")
		Expect(ok).To(BeFalse())

		tc := authz.TenantContext{TenantID: "t1", UserID: "u1"}
		decision := service.Check(ctx, tc, authz.CheckRequest{Ability: "notes.read"})
		Expect(decision.Allow).To(BeFalse())
	})
})
