// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Vulcan-controller is the Elastic Worker Controller (spec.md §4.4): a
// reconciliation loop, one per (tenant, machine group), that scales an
// injected deployment (e.g. a Kubernetes Deployment or Nomad job) to
// match pending work reported by the orchestrator's queue metrics.
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
	"github.com/vulcan-ci/vulcan/internal/controller"
	"github.com/vulcan-ci/vulcan/internal/process"
	"github.com/vulcan-ci/vulcan/internal/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		apiServer      string
		namespace      string
		deploymentName string
		showVersion    bool
	)
	flag.StringVar(&apiServer, "k8s-api-server", "https://kubernetes.default.svc", "Kubernetes API server URL")
	flag.StringVar(&namespace, "k8s-namespace", "", "Kubernetes namespace of the worker deployment (required)")
	flag.StringVar(&deploymentName, "k8s-deployment", "", "name of the worker Deployment to scale (required)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version.Info("vulcan-controller"))
		return nil
	}

	if namespace == "" || deploymentName == "" {
		return fmt.Errorf("--k8s-namespace and --k8s-deployment are required")
	}

	cfg, err := config.LoadControllerConfig(os.Getenv)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scaler, err := controller.NewKubernetesScaler(apiServer, namespace, deploymentName)
	if err != nil {
		return fmt.Errorf("constructing deployment scaler: %w", err)
	}

	metricsClient := controller.NewClient(cfg.OrchestratorURL, http.DefaultClient)

	ctrl := controller.New(metricsClient, scaler, nil, logger, controller.Config{
		MachineGroup:           cfg.MachineGroup,
		MinReplicas:            cfg.MinReplicas,
		MaxReplicas:            cfg.MaxReplicas,
		TargetPendingPerWorker: cfg.TargetPendingPerWorker,
		ScaleDownDelay:         cfg.ScaleDownDelay,
		PollInterval:           cfg.PollInterval,
	})

	logger.Info("controller starting",
		"machine_group", cfg.MachineGroup,
		"min_replicas", cfg.MinReplicas,
		"max_replicas", cfg.MaxReplicas,
		"orchestrator", cfg.OrchestratorURL,
	)

	if err := ctrl.Run(ctx); err != nil {
		return fmt.Errorf("controller run loop: %w", err)
	}
	logger.Info("controller stopped")
	return nil
}
