// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/plugboard/plugboard/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the Plugboard CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugboard",
		Short: "Plugboard - a plugin host with namespaced authorization",
		Long: `Plugboard runs third-party plugins behind a capability gate,
routes tenant authorization checks to plugin-owned ability namespaces,
and lets plugins extend the host through priority-ordered hooks.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewPluginsCmd())

	return cmd
}

// configPath returns the config file to load and whether it was set
// explicitly. The default location is <xdg-config>/plugboard.yaml.
func configPath() (string, bool) {
	if configFile != "" {
		return configFile, true
	}
	return filepath.Join(xdg.ConfigDir(), "plugboard.yaml"), false
}
