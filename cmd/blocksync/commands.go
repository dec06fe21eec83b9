// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/blocksync/pkg/logging"
	"github.com/AleutianAI/blocksync/services/blocksync/server"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	configPath string

	flagPort      int
	flagBlocksDir string
	flagWatchDirs []string

	rootCmd = &cobra.Command{
		Use:   "blocksync",
		Short: "Entity synchronization and block transport server",
		Long: `Blocksync keeps an entity graph in sync between project files,
a language-server sidecar and connected editor clients, and serves
block bundles with a content-addressed resource cache.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the block synchronization server",
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the blocksync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("blocksync %s\n", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "blocksync.yaml", "Path to YAML configuration file")
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "Listen port (overrides config)")
	serveCmd.Flags().StringVar(&flagBlocksDir, "blocks-dir", "", "Block bundle directory (overrides config)")
	serveCmd.Flags().StringSliceVar(&flagWatchDirs, "watch", nil, "Directory tree to ingest and watch (repeatable)")

	rootCmd.AddCommand(serveCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	configExplicit := rootCmd.PersistentFlags().Changed("config")

	cfg, err := loadConfig(configPath, configExplicit)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = flagPort
	}
	if flagBlocksDir != "" {
		cfg.Server.BlocksDir = flagBlocksDir
	}
	if len(flagWatchDirs) > 0 {
		cfg.Server.WatchDirs = append(cfg.Server.WatchDirs, flagWatchDirs...)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "blocksync",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()

	srvCfg, err := cfg.serverConfig()
	if err != nil {
		return err
	}

	srv, err := server.New(srvCfg, logger.Logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting blocksync", "version", version, "port", srvCfg.Port)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	logger.Info("blocksync stopped")
	return nil
}
