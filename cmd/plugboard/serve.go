// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugboard Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plugboard/plugboard/internal/authz"
	"github.com/plugboard/plugboard/internal/config"
	"github.com/plugboard/plugboard/internal/hook"
	"github.com/plugboard/plugboard/internal/logging"
	"github.com/plugboard/plugboard/internal/observability"
	"github.com/plugboard/plugboard/internal/plugin"
	pluginlua "github.com/plugboard/plugboard/internal/plugin/lua"
	"github.com/plugboard/plugboard/internal/store"
	"github.com/plugboard/plugboard/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the plugin host",
		Long: `Discover plugins, boot them through the capability gate, and serve
authorization checks and hooks until interrupted.`,
		RunE: runServe,
	}

	defaults := config.Default()
	cmd.Flags().String("log.level", defaults.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("log.format", defaults.Log.Format, "log format (json, text)")
	cmd.Flags().String("plugins.dir", defaults.Plugins.Dir, "plugin directory")
	cmd.Flags().String("database.url", defaults.Database.URL, "PostgreSQL URL for plugin state (empty disables persistence)")
	cmd.Flags().String("metrics.addr", defaults.Metrics.Addr, "observability listen address")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, explicit := configPath()
	cfg, err := config.Load(path, explicit, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("plugboard", version, cfg.Log.Format, logging.ParseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hooks := hook.NewRegistry(hook.WithHandlerTimeout(cfg.Hooks.HandlerTimeout))
	namespaces := authz.NewNamespaceRegistry()
	authzService := authz.NewService(namespaces, authz.WithResolverTimeout(cfg.Authz.ResolverTimeout))

	registry := plugin.NewRegistry()
	luaHost := pluginlua.NewHost()

	opts := []plugin.ManagerOption{
		plugin.WithRuntimeHost(plugin.RuntimeLua, luaHost),
		plugin.WithBootRetries(cfg.Plugins.BootRetries),
	}

	var stateStore *store.Postgres
	if cfg.Database.URL != "" {
		if cfg.Database.AutoMigrate {
			if err := autoMigrate(cfg.Database.URL); err != nil {
				return err
			}
		}
		stateStore, err = store.NewPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer stateStore.Close()
		opts = append(opts, plugin.WithStateStore(stateStore))
	}

	manager := plugin.NewManager(cfg.Plugins.Dir, registry, namespaces, hooks, opts...)

	var booted atomic.Bool
	obs := observability.NewServer(cfg.Metrics.Addr, booted.Load)
	obs.SetAuthzService(authzService)
	obsErrs, err := obs.Start()
	if err != nil {
		return err
	}

	if err := manager.BootAll(ctx); err != nil {
		errutil.LogError(slog.Default(), "plugin boot failed", err)
		return err
	}
	booted.Store(true)
	obs.Metrics().ObserveStats(registry.Stats())

	slog.Info("plugboard ready",
		"plugins_dir", cfg.Plugins.Dir,
		"metrics_addr", obs.Addr())

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-obsErrs:
		if err != nil {
			errutil.LogError(slog.Default(), "observability server failed", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.Close(shutdownCtx); err != nil {
		errutil.LogError(slog.Default(), "runtime shutdown failed", err)
	}
	if err := obs.Stop(shutdownCtx); err != nil {
		errutil.LogError(slog.Default(), "observability stop failed", err)
	}
	return nil
}

func autoMigrate(databaseURL string) error {
	migrator, err := store.NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // close error is secondary to migration result

	if err := migrator.Up(); err != nil {
		return err
	}
	slog.Info("database migrations applied")
	return nil
}
