// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vulcan-ci/vulcan/internal/clock"
	"github.com/vulcan-ci/vulcan/internal/sandbox"
)

// Config configures a Worker. Field names mirror spec.md §6's
// environment-driven configuration table for the worker binary.
type Config struct {
	TenantID     string
	MachineGroup string

	HeartbeatInterval time.Duration // default 10s
	PollInterval      time.Duration // default 5s
	ScriptTimeout     time.Duration // default 300s

	// MaxBackoff caps the exponential backoff used for registration
	// retries and transient heartbeat/poll failures. Default 60s.
	MaxBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ScriptTimeout <= 0 {
		c.ScriptTimeout = 300 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	return c
}

// Worker is a long-running process holding a single tenant identity
// and optional machine group tag (spec.md §4.3).
type Worker struct {
	client *Client
	clock  clock.Clock
	logger *slog.Logger
	cfg    Config

	workerID string
}

// New constructs a Worker. Call Run to register and begin its loops.
func New(client *Client, clk clock.Clock, logger *slog.Logger, cfg Config) *Worker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Worker{client: client, clock: clk, logger: logger, cfg: cfg.withDefaults()}
}

// Run registers the worker (retrying with exponential backoff) and
// then runs the heartbeat and work loops concurrently until ctx is
// cancelled, at which point both loops stop and Run returns nil —
// spec.md §4.3's "graceful shutdown on termination signal" contract,
// realized via ctx cancellation rather than an in-process signal
// handler (the cmd binary owns signal.NotifyContext).
func (w *Worker) Run(ctx context.Context) error {
	id, err := w.registerWithBackoff(ctx)
	if err != nil {
		return err
	}
	w.workerID = id
	w.logger.Info("worker registered", "worker_id", id, "tenant_id", w.cfg.TenantID, "machine_group", w.cfg.MachineGroup)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.heartbeatLoop(groupCtx) })
	group.Go(func() error { return w.workLoop(groupCtx) })

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// registerWithBackoff retries registration with the backoff schedule
// spec.md §4.3 step 1 specifies: 1s, 2s, ..., capped at 60s.
func (w *Worker) registerWithBackoff(ctx context.Context) (string, error) {
	backoff := time.Second
	for {
		id, err := w.client.RegisterWorker(ctx, w.cfg.TenantID, w.cfg.MachineGroup, "")
		if err == nil {
			return id, nil
		}
		w.logger.Warn("registration failed, retrying", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-w.clock.After(backoff):
		}

		backoff *= 2
		if backoff > w.cfg.MaxBackoff {
			backoff = w.cfg.MaxBackoff
		}
	}
}

// heartbeatLoop posts a heartbeat every HeartbeatInterval. Transient
// failures back off up to MaxBackoff and continue; an unknown-worker
// response (the orchestrator forgot us, e.g. after a restart with a
// fresh store) is treated as persistent per spec.md §4.3 and ends the
// loop so Run can return and the process can be restarted.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := w.client.Heartbeat(ctx, w.workerID)
			if err == nil {
				backoff = time.Second
				continue
			}
			if errors.Is(err, ErrUnknownWorker) {
				return err
			}
			w.logger.Warn("heartbeat failed, backing off", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(backoff):
			}
			backoff *= 2
			if backoff > w.cfg.MaxBackoff {
				backoff = w.cfg.MaxBackoff
			}
		}
	}
}

// workLoop polls for work every PollInterval while idle, executes an
// assignment synchronously under its timeout budget, and reports the
// result, per spec.md §4.3's work loop description.
func (w *Worker) workLoop(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			assignment, err := w.client.RequestWork(ctx, w.workerID, w.cfg.MachineGroup)
			if err != nil {
				if errors.Is(err, ErrUnknownWorker) {
					return err
				}
				w.logger.Warn("request_work failed", "error", err)
				continue
			}
			if assignment == nil {
				continue
			}
			w.executeAndReport(ctx, assignment)
		}
	}
}

func (w *Worker) executeAndReport(ctx context.Context, assignment *Assignment) {
	timeout := w.cfg.ScriptTimeout
	if assignment.TimeoutSecs > 0 {
		timeout = time.Duration(assignment.TimeoutSecs) * time.Second
	}

	w.logger.Info("executing fragment", "fragment_id", assignment.FragmentID)
	result, err := sandbox.Execute(ctx, assignment.Script, assignment.Env, timeout)
	if err != nil {
		w.logger.Error("sandbox execution failed", "fragment_id", assignment.FragmentID, "error", err)
		if reportErr := w.client.ReportResult(ctx, w.workerID, assignment.FragmentID, -1, err.Error(), "", ""); reportErr != nil {
			w.logger.Error("report_result failed", "fragment_id", assignment.FragmentID, "error", reportErr)
		}
		return
	}

	errMsg := ""
	if result.KilledByTimeout {
		errMsg = "script killed after exceeding its timeout budget"
	}
	if reportErr := w.client.ReportResult(ctx, w.workerID, assignment.FragmentID, result.ExitCode, errMsg, result.Stdout, result.Stderr); reportErr != nil {
		w.logger.Error("report_result failed", "fragment_id", assignment.FragmentID, "error", reportErr)
	}
}
