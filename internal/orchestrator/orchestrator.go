// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator is Vulcan's Work Orchestrator (spec.md §4.2,
// §6): the HTTP-facing scheduling heart that workers pull work from
// and the controller reads queue metrics from. It is a thin surface
// over internal/store plus the background liveness sweeper.
package orchestrator

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/vulcan-ci/vulcan/internal/clock"
	"github.com/vulcan-ci/vulcan/internal/store"
)

// Config configures an Orchestrator.
type Config struct {
	Store  *store.Store
	Clock  clock.Clock
	Logger *slog.Logger

	// MaxAttempts is the per-fragment retry ceiling (spec.md §9 Open
	// Question 1, resolved per-fragment in DESIGN.md). Defaults to 3.
	MaxAttempts int

	// HeartbeatIntervalSecs is the interval workers are expected to
	// heartbeat at; StaleThreshold defaults to 3x this when unset, per
	// spec.md §4.2 "Liveness sweeper" (floor 60s applied there too).
	HeartbeatIntervalSecs int

	// StaleThreshold overrides the derived 3x-heartbeat default.
	StaleThreshold time.Duration

	// SweepInterval is how often the liveness sweeper runs. Defaults
	// to 30s per spec.md §4.2.
	SweepInterval time.Duration

	// DefaultScriptTimeoutSecs is returned to workers as the per-script
	// budget on an assignment when the fragment carries none of its
	// own (the data model has no per-fragment timeout field). Defaults
	// to 300s per spec.md §4.3.
	DefaultScriptTimeoutSecs int
}

// Orchestrator implements spec.md §4.2's public operations and the
// liveness sweeper.
type Orchestrator struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger

	maxAttempts       int
	staleThreshold    time.Duration
	sweepInterval     time.Duration
	scriptTimeoutSecs int

	decoder *zstd.Decoder
}

// New constructs an Orchestrator, applying spec.md's documented defaults
// to unset Config fields.
func New(cfg Config) *Orchestrator {
	if cfg.Store == nil {
		panic("orchestrator: Store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	staleThreshold := cfg.StaleThreshold
	if staleThreshold <= 0 {
		heartbeatInterval := time.Duration(cfg.HeartbeatIntervalSecs) * time.Second
		if heartbeatInterval <= 0 {
			heartbeatInterval = 10 * time.Second
		}
		staleThreshold = 3 * heartbeatInterval
		if staleThreshold < 60*time.Second {
			staleThreshold = 60 * time.Second
		}
	}

	sweepInterval := cfg.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}

	timeoutSecs := cfg.DefaultScriptTimeoutSecs
	if timeoutSecs <= 0 {
		timeoutSecs = 300
	}

	decoder, _ := zstd.NewReader(nil)

	return &Orchestrator{
		store:             cfg.Store,
		clock:             cfg.Clock,
		logger:            logger,
		maxAttempts:       maxAttempts,
		staleThreshold:    staleThreshold,
		sweepInterval:     sweepInterval,
		scriptTimeoutSecs: timeoutSecs,
		decoder:           decoder,
	}
}

// decompress reverses internal/worker's zstd+base64 encoding of a
// report_result tail field. Falls back to treating s as plain text if
// it does not decode, so the orchestrator tolerates callers that send
// uncompressed tails directly (e.g. ad-hoc test clients).
func (o *Orchestrator) decompress(s string) string {
	if s == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	decoded, err := o.decoder.DecodeAll(raw, nil)
	if err != nil {
		return s
	}
	return string(decoded)
}

// RunSweeper runs the liveness sweeper on a fixed cadence until ctx is
// cancelled. Intended to run in its own goroutine for the lifetime of
// the orchestrator process.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := o.clock.NewTicker(o.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOnce(ctx)
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context) {
	swept, err := o.store.SweepStaleWorkers(ctx, o.clock.Now(), o.staleThreshold, o.maxAttempts)
	if err != nil {
		o.logger.Error("liveness sweep failed", "error", err)
		return
	}
	for _, s := range swept {
		o.logger.Info("reaped stale worker", "worker_id", s.WorkerID, "requeued_fragment_id", s.FragmentID)
	}
}

func newWorkerID() string { return uuid.NewString() }
