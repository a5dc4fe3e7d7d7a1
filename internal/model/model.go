// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the durable entities of Vulcan CI: chains,
// fragments, and workers, plus the enums governing their lifecycles.
package model

import "time"

// ChainStatus is the lifecycle status of a Chain.
type ChainStatus string

const (
	ChainPending   ChainStatus = "pending"
	ChainRunning   ChainStatus = "running"
	ChainCompleted ChainStatus = "completed"
	ChainFailed    ChainStatus = "failed"
	ChainActive    ChainStatus = "active"
	ChainSuspended ChainStatus = "suspended"
	ChainError     ChainStatus = "error"
)

// Terminal reports whether the chain status will never change again.
func (s ChainStatus) Terminal() bool {
	return s == ChainCompleted || s == ChainFailed
}

// FragmentKind distinguishes an executable leaf from a container node.
type FragmentKind string

const (
	KindInline FragmentKind = "inline"
	KindGroup  FragmentKind = "group"
)

// FragmentStatus is the lifecycle status of a Fragment.
//
// Skipped is not part of spec.md §3's enum literal, but §4.2 and the
// glossary both require a terminal state distinguishable from completed
// and failed ("skipped-by-failure", "skipped (counted as completed for
// rollup)"). It is added here as a documented extension; see DESIGN.md.
type FragmentStatus string

const (
	FragmentPending   FragmentStatus = "pending"
	FragmentRunning   FragmentStatus = "running"
	FragmentCompleted FragmentStatus = "completed"
	FragmentFailed    FragmentStatus = "failed"
	FragmentActive    FragmentStatus = "active"
	FragmentSuspended FragmentStatus = "suspended"
	FragmentError     FragmentStatus = "error"
	FragmentSkipped   FragmentStatus = "skipped"
)

// Terminal reports whether the fragment will never be dispatched or
// re-dispatched again.
func (s FragmentStatus) Terminal() bool {
	return s == FragmentCompleted || s == FragmentFailed || s == FragmentSkipped
}

// RollsUpAsComplete reports whether a child in this status counts toward
// its parent group resolving to completed, per spec.md §4.2's rollup rule
// ("completed iff all children are completed or skipped").
func (s FragmentStatus) RollsUpAsComplete() bool {
	return s == FragmentCompleted || s == FragmentSkipped
}

// WorkerStatus is the lifecycle status of a registered Worker.
type WorkerStatus string

const (
	WorkerActive WorkerStatus = "active"
	WorkerError  WorkerStatus = "error"
)

// TriggerKind enumerates the trigger kinds a workflow document may declare
// in its `triggers` list and that a submission context may carry.
type TriggerKind string

const (
	TriggerPush        TriggerKind = "push"
	TriggerPullRequest TriggerKind = "pull_request"
	TriggerTag         TriggerKind = "tag"
	TriggerSchedule    TriggerKind = "schedule"
	TriggerManual      TriggerKind = "manual"
)

// Chain is a single workflow execution attempt: the root scope for a tree
// of fragments.
type Chain struct {
	ID             string
	TenantID       string
	Status         ChainStatus
	Attempt        int
	SourcePath     string
	RepositoryURL  string
	CommitSHA      string
	Branch         string
	TriggerKind    TriggerKind
	TriggerRef     string
	DefaultMachine string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// Fragment is one node in a chain's execution tree.
type Fragment struct {
	ID               string
	ChainID          string
	ParentFragmentID *string
	Sequence         int
	Kind             FragmentKind

	// Inline-only fields.
	RunScript string
	Machine   string // per-fragment machine override; empty means inherit

	// Group-only field.
	IsParallel bool

	Condition string // empty means unconditional
	SourceURL string // set when this fragment originated from a `from` import

	Status           FragmentStatus
	AssignedWorkerID *string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ExitCode         *int
	ErrorMessage     string
	Attempt          int
}

// EffectiveMachine returns the machine group this fragment dispatches
// against: its own override if set, else the chain's default.
func (f *Fragment) EffectiveMachine(chainDefault string) string {
	if f.Machine != "" {
		return f.Machine
	}
	return chainDefault
}

// Worker is a registered executor process.
type Worker struct {
	ID                string
	TenantID          string
	MachineGroup      string // empty means the worker takes only fragments with no machine of their own (chain default)
	Status            WorkerStatus
	LastHeartbeatAt   time.Time
	CurrentFragmentID *string
}

// Idle reports whether the worker currently holds no fragment.
func (w *Worker) Idle() bool { return w.CurrentFragmentID == nil }
