// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller is Vulcan's Elastic Worker Controller (spec.md
// §4.4): a reconciliation loop, one instance per (tenant, machine
// group), that reads the orchestrator's queue metrics and drives an
// injected deployment scaler up immediately and down only after a
// cooldown, to absorb bursts without flapping.
package controller

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/vulcan-ci/vulcan/internal/clock"
)

// DeploymentScaler is the injected capability for reading and setting
// a worker pool's replica count — an interface with exactly the two
// methods spec.md §4.4 and §9 ("Dynamic dispatch") call for, so tests
// substitute an in-memory fake instead of a real Kubernetes/Nomad
// client.
type DeploymentScaler interface {
	GetReplicas(ctx context.Context) (int, error)
	SetReplicas(ctx context.Context, n int) error
}

// MetricsSource reports queue depth for one machine group. Implemented
// by *Client (HTTP against the orchestrator) and by fakes in tests.
type MetricsSource interface {
	QueueMetrics(ctx context.Context, machineGroup string) (QueueMetrics, error)
}

// QueueMetrics mirrors the subset of the orchestrator's queue_metrics
// response the controller's reconciliation loop needs.
type QueueMetrics struct {
	PendingFragments int
}

// Config configures a Controller. Field names mirror spec.md §6's
// environment-driven configuration table for the controller binary.
type Config struct {
	MachineGroup string

	MinReplicas            int           // default 0
	MaxReplicas            int           // default 10
	TargetPendingPerWorker float64       // default 1.0
	ScaleDownDelay         time.Duration // default 300s
	PollInterval           time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.MaxReplicas <= 0 {
		c.MaxReplicas = 10
	}
	if c.TargetPendingPerWorker <= 0 {
		c.TargetPendingPerWorker = 1.0
	}
	if c.ScaleDownDelay <= 0 {
		c.ScaleDownDelay = 300 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	return c
}

// Controller runs the reconciliation loop described in spec.md §4.4.
type Controller struct {
	metrics MetricsSource
	scaler  DeploymentScaler
	clock   clock.Clock
	logger  *slog.Logger
	cfg     Config

	// lastScaleDown mirrors original_source's ScalerState cooldown
	// tracking (crates/services/worker-controller/src/scaler/state.rs):
	// nil means no scale-down has happened yet, so the first one is
	// always allowed.
	lastScaleDown *time.Time
}

// New constructs a Controller, applying spec.md's documented defaults
// to unset Config fields.
func New(metrics MetricsSource, scaler DeploymentScaler, clk clock.Clock, logger *slog.Logger, cfg Config) *Controller {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Controller{metrics: metrics, scaler: scaler, clock: clk, logger: logger, cfg: cfg.withDefaults()}
}

// Run executes the reconciliation loop on Config.PollInterval until
// ctx is cancelled. Per spec.md §4.4: errors are logged and the loop
// continues on the next tick (no in-tick retries); on cancellation the
// controller exits cleanly without attempting a final scale change.
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.reconcileOnce(ctx)
		}
	}
}

func (c *Controller) reconcileOnce(ctx context.Context) {
	metrics, err := c.metrics.QueueMetrics(ctx, c.cfg.MachineGroup)
	if err != nil {
		c.logger.Error("queue_metrics failed", "machine_group", c.cfg.MachineGroup, "error", err)
		return
	}

	current, err := c.scaler.GetReplicas(ctx)
	if err != nil {
		c.logger.Error("reading current replicas failed", "machine_group", c.cfg.MachineGroup, "error", err)
		return
	}

	desired := desiredReplicas(c.cfg, metrics.PendingFragments)

	switch {
	case desired > current:
		if err := c.scaler.SetReplicas(ctx, desired); err != nil {
			c.logger.Error("scale up failed", "machine_group", c.cfg.MachineGroup, "from", current, "to", desired, "error", err)
			return
		}
		c.logger.Info("scaled up", "machine_group", c.cfg.MachineGroup, "from", current, "to", desired)

	case desired < current:
		now := c.clock.Now()
		if c.lastScaleDown != nil && now.Sub(*c.lastScaleDown) < c.cfg.ScaleDownDelay {
			c.logger.Debug("scale down suppressed by cooldown", "machine_group", c.cfg.MachineGroup, "from", current, "to", desired)
			return
		}
		if err := c.scaler.SetReplicas(ctx, desired); err != nil {
			c.logger.Error("scale down failed", "machine_group", c.cfg.MachineGroup, "from", current, "to", desired, "error", err)
			return
		}
		c.lastScaleDown = &now
		c.logger.Info("scaled down", "machine_group", c.cfg.MachineGroup, "from", current, "to", desired)

	default:
		// desired == current: no-op.
	}
}

// desiredReplicas implements spec.md §4.4 step 3 and original_source's
// calculate_desired_replicas (crates/services/worker-controller/src/
// scaler/algorithm.rs): desired = clamp(ceil(pending / target), min, max).
func desiredReplicas(cfg Config, pending int) int {
	raw := int(math.Ceil(float64(pending) / cfg.TargetPendingPerWorker))
	if raw < cfg.MinReplicas {
		return cfg.MinReplicas
	}
	if raw > cfg.MaxReplicas {
		return cfg.MaxReplicas
	}
	return raw
}
