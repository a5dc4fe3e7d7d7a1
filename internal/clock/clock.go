// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so the orchestrator's liveness sweeper,
// the worker's backoff loops, and the controller's cooldown tracking can
// be driven deterministically in tests instead of racing the wall clock.
package clock

import "time"

// Clock is implemented by Real (production) and Fake (tests). Any code
// that would otherwise call time.Now, time.After, time.NewTicker, or
// time.Sleep directly should take a Clock instead.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) *Ticker
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. Read ticks from C; call Stop when done.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop releases the ticker. No more ticks are sent on C after Stop returns.
func (t *Ticker) Stop() { t.stopFunc() }
