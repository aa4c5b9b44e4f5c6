// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcp-authbroker/pkg/authserver"
	"github.com/stacklok/mcp-authbroker/pkg/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization broker",
		Long: `Start the authorization broker HTTP server.

The server listens on PORT (default 2299) and serves /register, /authorize,
/callback, /token, /.well-known/oauth-authorization-server, /whoami and /metrics.
It shuts down gracefully on SIGINT or SIGTERM.`,
		RunE: runServe,
	}

	cmd.Flags().Int("port", authserver.DefaultPort, "Port to listen on (overrides PORT)")
	if err := viper.BindPFlag("port", cmd.Flags().Lookup("port")); err != nil {
		logger.Errorw("error binding port flag", "error", err)
	}
	cmd.Flags().Duration("health-check-interval", authserver.DefaultHealthCheckInterval, "How often to probe the storage backend")
	if err := viper.BindPFlag("health_check_interval", cmd.Flags().Lookup("health-check-interval")); err != nil {
		logger.Errorw("error binding health-check-interval flag", "error", err)
	}

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := authserver.LoadConfig(viper.GetViper())
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	srv, err := authserver.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create authorization broker: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			logger.Warnw("failed to close storage", "error", err)
		}
	}()

	logger.Infow("starting authorization broker", "base_url", srv.BaseURL(), "port", cfg.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return srv.WatchStorageHealth(gctx, viper.GetDuration("health_check_interval"))
	})
	return g.Wait()
}
