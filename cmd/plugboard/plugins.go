// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package main

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plugboard/plugboard/internal/plugin"
)

// NewPluginsCmd creates the plugins subcommand group.
func NewPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Plugin tooling",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a plugin manifest",
		Long: `Validate a plugin.yaml against the manifest schema and semantic rules.
The path may be the manifest file itself or a plugin directory containing one.`,
		Args: cobra.ExactArgs(1),
		RunE: runPluginsValidate,
	})

	return cmd
}

func runPluginsValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	info, err := os.Stat(path)
	if err != nil {
		return oops.Code("MANIFEST_NOT_FOUND").With("path", path).Wrap(err)
	}
	if info.IsDir() {
		path = filepath.Join(path, "plugin.yaml")
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return oops.Code("MANIFEST_NOT_FOUND").With("path", path).Wrap(err)
	}

	if err := plugin.ValidateSchema(data); err != nil {
		cmd.PrintErrln(plugin.FormatSchemaError(err))
		return oops.Code("MANIFEST_INVALID").With("path", path).Wrap(err)
	}

	m, err := plugin.ParseManifest(data)
	if err != nil {
		return oops.Code("MANIFEST_INVALID").With("path", path).Wrap(err)
	}

	cmd.Printf("%s: valid (id=%s version=%s tier=%s runtime=%s)\n",
		path, m.ID, m.Version, m.Tier, m.Runtime)
	return nil
}
