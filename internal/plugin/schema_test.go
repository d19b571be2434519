// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugboard/plugboard/internal/plugin"
)

func TestGenerateSchema(t *testing.T) {
	data, err := plugin.GenerateSchema()
	require.NoError(t, err)

	schema := string(data)
	assert.Contains(t, schema, plugin.SchemaID())
	assert.Contains(t, schema, `"id"`)
	assert.Contains(t, schema, `"capabilities"`)
	assert.Contains(t, schema, `"runtime"`)
}

func TestValidateSchema(t *testing.T) {
	plugin.ResetSchemaCache()

	valid := `
id: notes
package: "@acme/notes"
version: 1.0.0
tier: B
runtime: lua
lua:
  entry: main.lua
`
	require.NoError(t, plugin.ValidateSchema([]byte(valid)))

	// Schema validation catches type errors before semantic validation runs.
	wrongType := `
id: notes
package: "@acme/notes"
version: 1.0.0
tier: B
runtime: lua
lua:
  entry: main.lua
capabilities: "app:hooks"
`
	err := plugin.ValidateSchema([]byte(wrongType))
	require.Error(t, err)
	assert.NotEmpty(t, plugin.FormatSchemaError(err))
}

func TestValidateSchema_Empty(t *testing.T) {
	err := plugin.ValidateSchema(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}
