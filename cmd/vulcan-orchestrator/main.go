// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Vulcan-orchestrator is the Work Orchestrator (spec.md §4.2): the
// HTTP-facing scheduling heart that workers register with, heartbeat
// against, pull work from, and report results to, and that the
// Elastic Worker Controller reads queue metrics from.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vulcan-ci/vulcan/internal/config"
	"github.com/vulcan-ci/vulcan/internal/httpserver"
	"github.com/vulcan-ci/vulcan/internal/orchestrator"
	"github.com/vulcan-ci/vulcan/internal/process"
	"github.com/vulcan-ci/vulcan/internal/store"
	"github.com/vulcan-ci/vulcan/internal/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listenAddr  string
		storePath   string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "path to orchestrator config file (overrides VULCAN_CONFIG)")
	flag.StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config file)")
	flag.StringVar(&storePath, "store", "", "SQLite store path (overrides config file)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Info("vulcan-orchestrator"))
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Config{Path: cfg.StorePath, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", cfg.StorePath, err)
	}
	defer st.Close()

	orch := orchestrator.New(orchestrator.Config{
		Store:                    st,
		Logger:                   logger,
		MaxAttempts:              cfg.MaxAttempts,
		HeartbeatIntervalSecs:    cfg.HeartbeatIntervalSecs,
		StaleThreshold:           time.Duration(cfg.StaleThresholdSecs) * time.Second,
		SweepInterval:            time.Duration(cfg.SweepIntervalSecs) * time.Second,
		DefaultScriptTimeoutSecs: cfg.DefaultScriptTimeoutSecs,
	})

	go orch.RunSweeper(ctx)

	server := httpserver.New(httpserver.Config{
		Address: cfg.ListenAddr,
		Handler: orch.Handler(),
		Logger:  logger,
	})

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Serve(ctx) }()

	select {
	case <-server.Ready():
		logger.Info("orchestrator ready", "address", server.Addr().String(), "store", cfg.StorePath)
	case <-ctx.Done():
		return ctx.Err()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-serverDone; err != nil {
		logger.Error("http server error", "error", err)
		return err
	}
	return nil
}

func loadConfig(configPath string) (*config.OrchestratorConfig, error) {
	if configPath != "" {
		return config.LoadOrchestratorConfigFile(configPath)
	}
	if os.Getenv("VULCAN_CONFIG") != "" {
		return config.LoadOrchestratorConfig()
	}
	return config.DefaultOrchestratorConfig(), nil
}

