// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package main

import (
	"context"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/plugboard/plugboard/internal/store"
)

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	var history string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted plugin state",
		Long: `List the plugins recorded in the database with their lifecycle status
and granted capabilities. Requires database.url to be configured.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, history)
		},
	}

	cmd.Flags().StringVar(&history, "history", "", "show lifecycle history for one plugin id")

	return cmd
}

func runStatus(cmd *cobra.Command, history string) error {
	url, err := databaseURL()
	if err != nil {
		return err
	}

	ctx := context.Background()
	s, err := store.NewPostgres(ctx, url)
	if err != nil {
		return err
	}
	defer s.Close()

	if history != "" {
		return printHistory(ctx, cmd, s, history)
	}
	return printPlugins(ctx, cmd, s)
}

func printPlugins(ctx context.Context, cmd *cobra.Command, s *store.Postgres) error {
	records, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		cmd.Println("no plugins recorded")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush() //nolint:errcheck // flush error surfaces via the writer

	_, _ = w.Write([]byte("ID\tVERSION\tTIER\tRUNTIME\tSTATUS\tCAPABILITIES\tERROR\n"))
	for _, r := range records {
		line := strings.Join([]string{
			r.ID,
			r.Version,
			string(r.Tier),
			string(r.Runtime),
			string(r.Status),
			strings.Join(r.Capabilities, ","),
			r.ErrorMessage,
		}, "\t")
		_, _ = w.Write([]byte(line + "\n"))
	}
	return nil
}

func printHistory(ctx context.Context, cmd *cobra.Command, s *store.Postgres, pluginID string) error {
	events, err := s.StatusHistory(ctx, pluginID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		cmd.Printf("no history for plugin %q\n", pluginID)
		return nil
	}

	for _, e := range events {
		if e.ErrorMessage != "" {
			cmd.Printf("%s  %s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Status, e.ErrorMessage)
			continue
		}
		cmd.Printf("%s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Status)
	}
	return nil
}
