// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package lua_test

import (
	"context"
	"testing"

	pluginlua "github.com/plugboard/plugboard/internal/plugin/lua"
)

func TestStateFactory_NewState_LoadsSafeLibraries(t *testing.T) {
	factory := pluginlua.NewStateFactory()
	L, err := factory.NewState(context.Background())
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer L.Close()

	for _, lib := range []string{"table", "string", "math"} {
		if L.GetGlobal(lib).Type().String() == "nil" {
			t.Errorf("library %q not loaded", lib)
		}
	}
}

func TestStateFactory_NewState_BlocksUnsafeLibraries(t *testing.T) {
	factory := pluginlua.NewStateFactory()
	L, err := factory.NewState(context.Background())
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer L.Close()

	for _, lib := range []string{"os", "io", "debug", "package"} {
		if L.GetGlobal(lib).Type().String() != "nil" {
			t.Errorf("unsafe library %q should not be loaded", lib)
		}
	}
}

func TestStateFactory_NewState_BlocksUnsafeBaseFunctions(t *testing.T) {
	factory := pluginlua.NewStateFactory()
	L, err := factory.NewState(context.Background())
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer L.Close()

	for _, fn := range []string{"dofile", "loadfile", "loadstring", "load"} {
		if L.GetGlobal(fn).Type().String() != "nil" {
			t.Errorf("unsafe function %q should be blocked", fn)
		}
	}
}

func TestStateFactory_NewState_CanExecuteLua(t *testing.T) {
	factory := pluginlua.NewStateFactory()
	L, err := factory.NewState(context.Background())
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	defer L.Close()

	if err := L.DoString(`result = string.upper("ok") .. tostring(1 + 1)`); err != nil {
		t.Fatalf("DoString() error = %v", err)
	}
	if got := L.GetGlobal("result").String(); got != "OK2" {
		t.Errorf("result = %v, want OK2", got)
	}
}
