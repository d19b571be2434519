// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package capability_test

import (
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugboard/plugboard/internal/plugin/capability"
)

type stubChecker struct {
	granted map[string]map[string]bool
}

func (s *stubChecker) HasCapability(pluginID, cap string) bool {
	return s.granted[pluginID][cap]
}

func TestGate_Checks(t *testing.T) {
	gate := capability.NewGate(&stubChecker{
		granted: map[string]map[string]bool{
			"notes": {
				capability.Routes: true,
				capability.DBRead: true,
			},
		},
	})

	assert.True(t, gate.CanRegisterRoutes("notes"))
	assert.True(t, gate.CanReadDB("notes"))
	assert.False(t, gate.CanWriteDB("notes"))

	assert.False(t, gate.CanRegisterRoutes("ghost"))
	assert.False(t, gate.CanReadDB("ghost"))
}

func TestGate_Require(t *testing.T) {
	gate := capability.NewGate(&stubChecker{
		granted: map[string]map[string]bool{
			"notes": {capability.Hooks: true},
		},
	})

	require.NoError(t, gate.Require("notes", capability.Hooks))

	err := gate.Require("notes", capability.Authz)
	require.Error(t, err)

	oerr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "CAPABILITY_DENIED", oerr.Code())
	assert.Equal(t, "notes", oerr.Context()["plugin"])
	assert.Equal(t, capability.Authz, oerr.Context()["capability"])
}
