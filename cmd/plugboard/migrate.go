// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package main

import (
	"os"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/plugboard/plugboard/internal/config"
	"github.com/plugboard/plugboard/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Apply all pending plugin-state migrations against the PostgreSQL database.`,
		RunE:  runMigrateUp,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back all migrations (destructive)",
		RunE:  runMigrateDown,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the current migration version",
		RunE:  runMigrateVersion,
	})

	return cmd
}

// databaseURL resolves the database URL from config, falling back to the
// DATABASE_URL environment variable.
func databaseURL() (string, error) {
	path, explicit := configPath()
	cfg, err := config.Load(path, explicit, nil)
	if err != nil {
		return "", err
	}
	if cfg.Database.URL != "" {
		return cfg.Database.URL, nil
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	return "", oops.Code("CONFIG_INVALID").Errorf("database.url or DATABASE_URL is required")
}

func withMigrator(fn func(*store.Migrator) error) error {
	url, err := databaseURL()
	if err != nil {
		return err
	}
	migrator, err := store.NewMigrator(url)
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // close error is secondary

	return fn(migrator)
}

func runMigrateUp(cmd *cobra.Command, _ []string) error {
	return withMigrator(func(m *store.Migrator) error {
		cmd.Println("Running migrations...")
		if err := m.Up(); err != nil {
			return err
		}
		cmd.Println("Migrations completed successfully")
		return nil
	})
}

func runMigrateDown(cmd *cobra.Command, _ []string) error {
	return withMigrator(func(m *store.Migrator) error {
		cmd.Println("Rolling back all migrations...")
		if err := m.Down(); err != nil {
			return err
		}
		cmd.Println("Rollback completed")
		return nil
	})
}

func runMigrateVersion(cmd *cobra.Command, _ []string) error {
	return withMigrator(func(m *store.Migrator) error {
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		if dirty {
			cmd.Printf("version %d (dirty)\n", version)
			return nil
		}
		cmd.Printf("version %d\n", version)
		return nil
	})
}
