// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/statesync/services/statesync"
	"github.com/AleutianAI/statesync/services/statesync/config"
	"github.com/AleutianAI/statesync/services/statesync/demo"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "statesync",
		Short:         "Reactive state synchronization server",
		Long:          `statesync keeps per-client state trees on the server and pushes state deltas to browsers over a websocket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd(), newConfigCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configPath string
	var port int
	var backend string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the demo states",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("backend") {
				cfg.Manager.Backend = backend
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.Telemetry.ServiceVersion = version

			schema, err := demo.Schema()
			if err != nil {
				return fmt.Errorf("failed to build the demo schema: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opts := []statesync.Option{statesync.WithOnLoad(demo.OnLoad())}
			if configPath != "" {
				opts = append(opts, statesync.WithConfigPath(configPath))
			}
			svc, err := statesync.New(ctx, cfg, schema, opts...)
			if err != nil {
				return err
			}
			runErr := svc.Run(ctx)

			closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := svc.Close(closeCtx); err != nil && runErr == nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides the configuration)")
	cmd.Flags().StringVar(&backend, "backend", "", "state manager backend: memory, redis or badger")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "statesync %s\n", version)
		},
	}
}

func newConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	return cmd
}
