// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/plugboard/plugboard/internal/authz"
	"github.com/plugboard/plugboard/internal/hook"
	"github.com/plugboard/plugboard/internal/plugin"
)

// Compile-time interface checks.
var (
	_ plugin.RuntimeHost = (*Host)(nil)
	_ plugin.Instance    = (*instance)(nil)
)

// loadedPlugin holds a plugin's validated Lua source. Each invocation runs
// in a fresh sandboxed state, so the source is the only shared artifact.
type loadedPlugin struct {
	manifest *plugin.Manifest
	code     string
}

// Host runs Lua plugins. Handlers named in a plugin's manifest must exist
// as global functions in its entry file; Load rejects the plugin otherwise,
// which quarantines it at boot instead of failing at first call.
type Host struct {
	factory *StateFactory
	mu      sync.RWMutex
	plugins map[string]*loadedPlugin
	closed  bool
}

// NewHost creates a new Lua plugin host.
func NewHost() *Host {
	return &Host{
		factory: NewStateFactory(),
		plugins: make(map[string]*loadedPlugin),
	}
}

// Load reads, sandbox-executes, and validates a plugin's entry file, then
// returns the instance backing its manifest bindings.
func (h *Host) Load(ctx context.Context, manifest *plugin.Manifest, dir string) (plugin.Instance, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	errCtx := oops.In("lua").With("plugin", manifest.ID).With("operation", "load")

	if h.closed {
		return nil, errCtx.New("host is closed")
	}
	if manifest.Lua == nil {
		return nil, errCtx.New("manifest has no lua configuration")
	}

	entryPath := filepath.Join(dir, manifest.Lua.Entry)
	code, err := os.ReadFile(filepath.Clean(entryPath))
	if err != nil {
		return nil, errCtx.With("path", entryPath).Hint("failed to read entry file").Wrap(err)
	}

	// Run once in a throwaway state: catches syntax errors and lets us
	// verify every manifest-named handler actually exists.
	L, err := h.factory.NewState(ctx)
	if err != nil {
		return nil, errCtx.Hint("failed to create validation state").Wrap(err)
	}
	defer L.Close()

	if err := L.DoString(string(code)); err != nil {
		return nil, errCtx.With("entry", manifest.Lua.Entry).Hint("syntax error").Wrap(err)
	}

	for _, fn := range manifestFunctions(manifest) {
		if L.GetGlobal(fn).Type() != lua.LTFunction {
			return nil, errCtx.With("fn", fn).Errorf("entry file does not define function %q", fn)
		}
	}

	h.plugins[manifest.ID] = &loadedPlugin{
		manifest: manifest,
		code:     string(code),
	}

	return &instance{host: h, pluginID: manifest.ID}, nil
}

// manifestFunctions collects every Lua function name the manifest binds.
func manifestFunctions(m *plugin.Manifest) []string {
	var fns []string
	if m.Authz != nil && m.Authz.Resolver != "" {
		fns = append(fns, m.Authz.Resolver)
	}
	if m.Hooks != nil {
		for _, b := range m.Hooks.Filters {
			fns = append(fns, b.Fn)
		}
		for _, b := range m.Hooks.Actions {
			fns = append(fns, b.Fn)
		}
	}
	return fns
}

// Unload removes a plugin.
func (h *Host) Unload(_ context.Context, pluginID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.plugins[pluginID]; !ok {
		return oops.In("lua").With("plugin", pluginID).With("operation", "unload").New("plugin not loaded")
	}
	delete(h.plugins, pluginID)
	return nil
}

// Close shuts down the host. Instances handed out earlier fail all
// subsequent calls.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.plugins = nil
	return nil
}

// call executes one named global function in a fresh sandboxed state.
// Arguments are built against that state by buildArgs.
func (h *Host) call(ctx context.Context, pluginID, fn string, buildArgs func(L *lua.LState) []lua.LValue) (lua.LValue, error) {
	h.mu.RLock()
	p, ok := h.plugins[pluginID]
	if !ok {
		h.mu.RUnlock()
		return nil, oops.In("lua").With("plugin", pluginID).With("fn", fn).New("plugin not loaded")
	}
	code := p.code
	h.mu.RUnlock()

	errCtx := oops.In("lua").With("plugin", pluginID).With("fn", fn)

	L, err := h.factory.NewState(ctx)
	if err != nil {
		return nil, errCtx.Hint("failed to create state").Wrap(err)
	}
	defer L.Close()

	if err := L.DoString(code); err != nil {
		return nil, errCtx.Hint("failed to load code").Wrap(err)
	}

	target := L.GetGlobal(fn)
	if target.Type() != lua.LTFunction {
		return nil, errCtx.Errorf("global %q is not a function", fn)
	}

	if err := L.CallByParam(lua.P{
		Fn:      target,
		NRet:    1,
		Protect: true,
	}, buildArgs(L)...); err != nil {
		return nil, errCtx.Wrap(err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// instance bridges manifest-named Lua globals into host handler types.
type instance struct {
	host     *Host
	pluginID string
}

// Resolver returns an authorization resolver that calls fn(tenant, request)
// in a fresh state. The function may return a boolean, or a table with an
// "allow" boolean and optional "reason" string. Anything else is an error,
// which the authorization service turns into a deny.
func (i *instance) Resolver(fn string) (authz.Resolver, error) {
	return authz.ResolverFunc(func(ctx context.Context, tc authz.TenantContext, req authz.CheckRequest) (authz.Decision, error) {
		ret, err := i.host.call(ctx, i.pluginID, fn, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{tenantTable(L, tc), requestTable(L, req)}
		})
		if err != nil {
			return authz.Decision{}, err
		}
		return decisionFromLua(ret)
	}), nil
}

func tenantTable(L *lua.LState, tc authz.TenantContext) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("tenant_id", lua.LString(tc.TenantID))
	t.RawSetString("user_id", lua.LString(tc.UserID))
	return t
}

func requestTable(L *lua.LState, req authz.CheckRequest) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("ability", lua.LString(req.Ability))
	if req.Resource != nil {
		r := L.NewTable()
		r.RawSetString("type", lua.LString(req.Resource.Type))
		r.RawSetString("id", lua.LString(req.Resource.ID))
		t.RawSetString("resource", r)
	}
	return t
}

func decisionFromLua(ret lua.LValue) (authz.Decision, error) {
	switch v := ret.(type) {
	case lua.LBool:
		if bool(v) {
			return authz.Allow(), nil
		}
		return authz.Deny("denied by plugin resolver"), nil
	case *lua.LTable:
		allow := lua.LVAsBool(v.RawGetString("allow"))
		reason := ""
		if r := v.RawGetString("reason"); r.Type() == lua.LTString {
			reason = r.String()
		}
		if allow {
			return authz.Allow(), nil
		}
		if reason == "" {
			reason = "denied by plugin resolver"
		}
		return authz.Deny(reason), nil
	default:
		return authz.Decision{}, oops.In("lua").
			Code("BAD_DECISION").
			With("type", ret.Type().String()).
			Errorf("resolver returned %s, want boolean or table", ret.Type())
	}
}

// Filter returns a filter handler that calls fn(value, context) in a fresh
// state. A nil return keeps the incoming value unchanged, since Lua cannot
// distinguish "return nil" from "return nothing".
func (i *instance) Filter(fn string) (hook.FilterFunc, error) {
	return func(ctx context.Context, value any, hc hook.Context) (any, error) {
		ret, err := i.host.call(ctx, i.pluginID, fn, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{goToLua(L, value), goToLua(L, map[string]any(hc))}
		})
		if err != nil {
			return nil, err
		}
		if ret.Type() == lua.LTNil {
			return value, nil
		}
		return luaToGo(ret), nil
	}, nil
}

// Action returns an action handler that calls fn(payload) in a fresh state.
func (i *instance) Action(fn string) (hook.ActionFunc, error) {
	return func(ctx context.Context, payload any) error {
		_, err := i.host.call(ctx, i.pluginID, fn, func(L *lua.LState) []lua.LValue {
			return []lua.LValue{goToLua(L, payload)}
		})
		return err
	}, nil
}

// goToLua converts a Go value into a Lua value. Unknown types degrade to
// their string form rather than failing the handler.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(goToLua(L, item))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			t.RawSetString(k, goToLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua value back to a Go value. Tables with only
// consecutive integer keys become slices, everything else becomes a
// string-keyed map.
func luaToGo(lv lua.LValue) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		maxN := v.MaxN()
		if maxN > 0 {
			slice := make([]any, 0, maxN)
			for i := 1; i <= maxN; i++ {
				slice = append(slice, luaToGo(v.RawGetInt(i)))
			}
			return slice
		}
		m := make(map[string]any)
		v.ForEach(func(k, item lua.LValue) {
			m[k.String()] = luaToGo(item)
		})
		return m
	default:
		return lv.String()
	}
}
