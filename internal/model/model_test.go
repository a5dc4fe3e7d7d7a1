// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package model

import "testing"

func TestChainStatusTerminal(t *testing.T) {
	cases := map[ChainStatus]bool{
		ChainPending:   false,
		ChainRunning:   false,
		ChainActive:    false,
		ChainSuspended: false,
		ChainError:     false,
		ChainCompleted: true,
		ChainFailed:    true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestFragmentStatusTerminal(t *testing.T) {
	cases := map[FragmentStatus]bool{
		FragmentPending:   false,
		FragmentRunning:   false,
		FragmentActive:    false,
		FragmentSuspended: false,
		FragmentError:     false,
		FragmentCompleted: true,
		FragmentFailed:    true,
		FragmentSkipped:   true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestFragmentStatusRollsUpAsComplete(t *testing.T) {
	cases := map[FragmentStatus]bool{
		FragmentCompleted: true,
		FragmentSkipped:   true,
		FragmentFailed:    false,
		FragmentPending:   false,
		FragmentRunning:   false,
		FragmentError:     false,
	}
	for status, want := range cases {
		if got := status.RollsUpAsComplete(); got != want {
			t.Errorf("%s.RollsUpAsComplete() = %v, want %v", status, got, want)
		}
	}
}

func TestFragmentEffectiveMachine(t *testing.T) {
	f := &Fragment{Machine: "gpu"}
	if got := f.EffectiveMachine("default"); got != "gpu" {
		t.Errorf("EffectiveMachine with override = %q, want gpu", got)
	}

	f = &Fragment{}
	if got := f.EffectiveMachine("default"); got != "default" {
		t.Errorf("EffectiveMachine without override = %q, want default", got)
	}
}

func TestWorkerIdle(t *testing.T) {
	w := &Worker{}
	if !w.Idle() {
		t.Error("zero-value Worker should be idle")
	}

	fragID := "frag-1"
	w.CurrentFragmentID = &fragID
	if w.Idle() {
		t.Error("Worker with CurrentFragmentID set should not be idle")
	}
}
