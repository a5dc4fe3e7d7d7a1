// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Vulcan-worker is the Worker Runtime (spec.md §4.3): a long-running
// process holding a single tenant identity that registers with the
// orchestrator, heartbeats, polls for work, executes it in a sandboxed
// subprocess, and reports results.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/vulcan-ci/vulcan/internal/config"
	"github.com/vulcan-ci/vulcan/internal/process"
	"github.com/vulcan-ci/vulcan/internal/version"
	"github.com/vulcan-ci/vulcan/internal/worker"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Info("vulcan-worker"))
		return nil
	}

	cfg, err := config.LoadWorkerConfig(os.Getenv)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := worker.NewClient(cfg.OrchestratorURL, http.DefaultClient)
	w := worker.New(client, nil, logger, worker.Config{
		TenantID:          cfg.TenantID,
		MachineGroup:      cfg.MachineGroup,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PollInterval:      cfg.PollInterval,
		ScriptTimeout:     cfg.ScriptTimeout,
		MaxBackoff:        cfg.MaxBackoff,
	})

	logger.Info("worker starting", "tenant_id", cfg.TenantID, "machine_group", cfg.MachineGroup, "orchestrator", cfg.OrchestratorURL)

	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker run loop: %w", err)
	}
	logger.Info("worker stopped")
	return nil
}
