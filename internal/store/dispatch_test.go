// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vulcan-ci/vulcan/internal/model"
)

func setupChainWithFragments(t *testing.T, s *Store, chain *model.Chain, frags []*model.Fragment) {
	t.Helper()
	mustCreateChain(t, s, chain, frags)
	now := time.Now()
	if _, err := s.RegisterWorker(context.Background(), "worker-1", "t1", "default", now, seqID("w")); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
}

func TestHappyPathDispatchAndComplete(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	chain := &model.Chain{ID: "c1", Status: model.ChainPending, Attempt: 1, DefaultMachine: "default", CreatedAt: now, UpdatedAt: now}
	frag := &model.Fragment{ID: "f1", ChainID: "c1", Sequence: 0, Kind: model.KindInline, RunScript: "true", Status: model.FragmentPending, Attempt: 1}
	setupChainWithFragments(t, s, chain, []*model.Fragment{frag})

	ctx := context.Background()
	assignment, err := s.RequestWork(ctx, "worker-1", "default", now, 300)
	if err != nil {
		t.Fatalf("RequestWork: %v", err)
	}
	if assignment == nil || assignment.FragmentID != "f1" {
		t.Fatalf("expected assignment of f1, got %+v", assignment)
	}

	got, _ := s.GetFragment(ctx, "f1")
	if got.Status != model.FragmentRunning || got.AssignedWorkerID == nil || *got.AssignedWorkerID != "worker-1" {
		t.Fatalf("expected f1 running+assigned, got %+v", got)
	}
	gotChain, _ := s.GetChain(ctx, "c1")
	if gotChain.Status != model.ChainRunning {
		t.Fatalf("expected chain running, got %s", gotChain.Status)
	}

	ok, err := s.ReportResult(ctx, "worker-1", "f1", 0, "", now.Add(time.Second), 3)
	if err != nil || !ok {
		t.Fatalf("ReportResult: ok=%v err=%v", ok, err)
	}

	got, _ = s.GetFragment(ctx, "f1")
	if got.Status != model.FragmentCompleted || got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("expected f1 completed, got %+v", got)
	}
	gotChain, _ = s.GetChain(ctx, "c1")
	if gotChain.Status != model.ChainCompleted {
		t.Fatalf("expected chain completed, got %s", gotChain.Status)
	}

	worker, _ := s.GetWorker(ctx, "worker-1")
	if worker.CurrentFragmentID != nil {
		t.Fatalf("expected worker idle, got %+v", worker.CurrentFragmentID)
	}
}

func TestNoReadyFragmentReturnsNone(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	if _, err := s.RegisterWorker(context.Background(), "worker-1", "t1", "default", now, seqID("w")); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	assignment, err := s.RequestWork(context.Background(), "worker-1", "default", now, 300)
	if err != nil {
		t.Fatalf("RequestWork: %v", err)
	}
	if assignment != nil {
		t.Fatalf("expected none, got %+v", assignment)
	}
}

func TestParallelRollup(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	groupID := "g1"
	chain := &model.Chain{ID: "c1", Status: model.ChainPending, Attempt: 1, DefaultMachine: "default", CreatedAt: now, UpdatedAt: now}
	group := &model.Fragment{ID: groupID, ChainID: "c1", Sequence: 0, Kind: model.KindGroup, IsParallel: true, Status: model.FragmentPending, Attempt: 1}
	ok1 := &model.Fragment{ID: "ok1", ChainID: "c1", ParentFragmentID: &groupID, Sequence: 0, Kind: model.KindInline, RunScript: "true", Status: model.FragmentPending, Attempt: 1}
	bad1 := &model.Fragment{ID: "bad1", ChainID: "c1", ParentFragmentID: &groupID, Sequence: 1, Kind: model.KindInline, RunScript: "false", Status: model.FragmentPending, Attempt: 1}
	setupChainWithFragments(t, s, chain, []*model.Fragment{group, ok1, bad1})

	ctx := context.Background()
	a1, err := s.RequestWork(ctx, "worker-1", "default", now, 300)
	if err != nil || a1 == nil {
		t.Fatalf("RequestWork 1: a=%v err=%v", a1, err)
	}
	if _, err := s.ReportResult(ctx, "worker-1", a1.FragmentID, 0, "", now, 1); err != nil {
		t.Fatalf("ReportResult 1: %v", err)
	}

	a2, err := s.RequestWork(ctx, "worker-1", "default", now, 300)
	if err != nil || a2 == nil {
		t.Fatalf("RequestWork 2: a=%v err=%v", a2, err)
	}
	if _, err := s.ReportResult(ctx, "worker-1", a2.FragmentID, 1, "boom", now, 1); err != nil {
		t.Fatalf("ReportResult 2: %v", err)
	}

	gotGroup, _ := s.GetFragment(ctx, groupID)
	if gotGroup.Status != model.FragmentFailed {
		t.Fatalf("expected group failed, got %s", gotGroup.Status)
	}
	gotOK, _ := s.GetFragment(ctx, "ok1")
	gotBad, _ := s.GetFragment(ctx, "bad1")
	if gotOK.Status != model.FragmentCompleted {
		t.Errorf("expected ok1 completed, got %s", gotOK.Status)
	}
	if gotBad.Status != model.FragmentFailed {
		t.Errorf("expected bad1 failed, got %s", gotBad.Status)
	}
	gotChain, _ := s.GetChain(ctx, "c1")
	if gotChain.Status != model.ChainFailed {
		t.Fatalf("expected chain failed, got %s", gotChain.Status)
	}
}

func TestSequentialShortCircuit(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	chain := &model.Chain{ID: "c1", Status: model.ChainPending, Attempt: 1, DefaultMachine: "default", CreatedAt: now, UpdatedAt: now}
	first := &model.Fragment{ID: "f1", ChainID: "c1", Sequence: 0, Kind: model.KindInline, RunScript: "false", Status: model.FragmentPending, Attempt: 1}
	second := &model.Fragment{ID: "f2", ChainID: "c1", Sequence: 1, Kind: model.KindInline, RunScript: "true", Status: model.FragmentPending, Attempt: 1}
	setupChainWithFragments(t, s, chain, []*model.Fragment{first, second})

	ctx := context.Background()
	a1, err := s.RequestWork(ctx, "worker-1", "default", now, 300)
	if err != nil || a1 == nil || a1.FragmentID != "f1" {
		t.Fatalf("RequestWork: a=%v err=%v", a1, err)
	}
	if _, err := s.ReportResult(ctx, "worker-1", "f1", 1, "boom", now, 1); err != nil {
		t.Fatalf("ReportResult: %v", err)
	}

	a2, err := s.RequestWork(ctx, "worker-1", "default", now, 300)
	if err != nil {
		t.Fatalf("RequestWork 2: %v", err)
	}
	if a2 != nil {
		t.Fatalf("expected no dispatch (f2 should be skipped), got %+v", a2)
	}

	gotSecond, _ := s.GetFragment(ctx, "f2")
	if gotSecond.Status != model.FragmentSkipped {
		t.Fatalf("expected f2 skipped-by-failure, got %s", gotSecond.Status)
	}
	gotChain, _ := s.GetChain(ctx, "c1")
	if gotChain.Status != model.ChainFailed {
		t.Fatalf("expected chain failed, got %s", gotChain.Status)
	}
}

func TestRetryThenComplete(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	chain := &model.Chain{ID: "c1", Status: model.ChainPending, Attempt: 1, DefaultMachine: "default", CreatedAt: now, UpdatedAt: now}
	frag := &model.Fragment{ID: "f1", ChainID: "c1", Sequence: 0, Kind: model.KindInline, RunScript: "flaky", Status: model.FragmentPending, Attempt: 1}
	setupChainWithFragments(t, s, chain, []*model.Fragment{frag})
	ctx := context.Background()

	a1, _ := s.RequestWork(ctx, "worker-1", "default", now, 300)
	if a1 == nil {
		t.Fatal("expected assignment")
	}
	if ok, err := s.ReportResult(ctx, "worker-1", "f1", 1, "transient", now, 3); err != nil || !ok {
		t.Fatalf("ReportResult 1: ok=%v err=%v", ok, err)
	}
	got, _ := s.GetFragment(ctx, "f1")
	if got.Status != model.FragmentPending || got.Attempt != 2 {
		t.Fatalf("expected requeued with attempt=2, got %+v", got)
	}

	a2, _ := s.RequestWork(ctx, "worker-1", "default", now, 300)
	if a2 == nil || a2.FragmentID != "f1" {
		t.Fatalf("expected f1 re-dispatched, got %+v", a2)
	}
	if ok, err := s.ReportResult(ctx, "worker-1", "f1", 0, "", now, 3); err != nil || !ok {
		t.Fatalf("ReportResult 2: ok=%v err=%v", ok, err)
	}
	got, _ = s.GetFragment(ctx, "f1")
	if got.Status != model.FragmentCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestReportResultIdempotentForTerminalFragment(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	chain := &model.Chain{ID: "c1", Status: model.ChainPending, Attempt: 1, DefaultMachine: "default", CreatedAt: now, UpdatedAt: now}
	frag := &model.Fragment{ID: "f1", ChainID: "c1", Sequence: 0, Kind: model.KindInline, RunScript: "true", Status: model.FragmentPending, Attempt: 1}
	setupChainWithFragments(t, s, chain, []*model.Fragment{frag})
	ctx := context.Background()

	_, _ = s.RequestWork(ctx, "worker-1", "default", now, 300)
	if ok, err := s.ReportResult(ctx, "worker-1", "f1", 0, "", now, 3); err != nil || !ok {
		t.Fatalf("first report: ok=%v err=%v", ok, err)
	}
	before, _ := s.GetFragment(ctx, "f1")

	ok, err := s.ReportResult(ctx, "worker-1", "f1", 1, "late", now, 3)
	if err != nil {
		t.Fatalf("late report: %v", err)
	}
	if ok {
		t.Fatalf("expected not_assigned (ok=false) for late report")
	}
	after, _ := s.GetFragment(ctx, "f1")
	if after.Status != before.Status || (after.ExitCode == nil) != (before.ExitCode == nil) {
		t.Fatalf("late report mutated terminal fragment: before=%+v after=%+v", before, after)
	}
}

func TestConditionSkip(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	chain := &model.Chain{ID: "c1", Status: model.ChainPending, Attempt: 1, DefaultMachine: "default", Branch: "dev", CreatedAt: now, UpdatedAt: now}
	frag := &model.Fragment{
		ID: "f1", ChainID: "c1", Sequence: 0, Kind: model.KindInline, RunScript: "deploy.sh",
		Condition: "$BRANCH == 'main'", Status: model.FragmentPending, Attempt: 1,
	}
	setupChainWithFragments(t, s, chain, []*model.Fragment{frag})
	ctx := context.Background()

	a, err := s.RequestWork(ctx, "worker-1", "default", now, 300)
	if err != nil {
		t.Fatalf("RequestWork: %v", err)
	}
	if a != nil {
		t.Fatalf("expected no dispatch for false condition, got %+v", a)
	}
	got, _ := s.GetFragment(ctx, "f1")
	if got.Status != model.FragmentSkipped {
		t.Fatalf("expected skipped, got %s", got.Status)
	}
	gotChain, _ := s.GetChain(ctx, "c1")
	if gotChain.Status != model.ChainCompleted {
		t.Fatalf("expected chain completed (skipped counts as completed), got %s", gotChain.Status)
	}
}

// TestConcurrentRequestWorkAssignsEachFragmentAtMostOnce exercises
// spec.md §8's "at most one worker holds any given fragment at any
// time" property under real contention: a file-backed store with a
// multi-connection pool (unlike newTestStore's single-connection
// :memory: database) so concurrent RequestWork calls genuinely race
// at the SQLite layer, not just in Go.
func TestConcurrentRequestWorkAssignsEachFragmentAtMostOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "concurrent.db")
	s, err := Open(context.Background(), Config{Path: dbPath, PoolSize: 8})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	now := time.Now()
	const numFragments = 20
	const numWorkers = 6

	groupID := "cg"
	chain := &model.Chain{ID: "c1", Status: model.ChainPending, Attempt: 1, DefaultMachine: "default", CreatedAt: now, UpdatedAt: now}
	group := &model.Fragment{ID: groupID, ChainID: "c1", Sequence: 0, Kind: model.KindGroup, IsParallel: true, Status: model.FragmentPending, Attempt: 1}
	frags := []*model.Fragment{group}
	for i := 0; i < numFragments; i++ {
		frags = append(frags, &model.Fragment{
			ID: fmt.Sprintf("f%d", i), ChainID: "c1", ParentFragmentID: &groupID,
			Sequence: i, Kind: model.KindInline, RunScript: "true",
			Status: model.FragmentPending, Attempt: 1,
		})
	}
	mustCreateChain(t, s, chain, frags)

	ctx := context.Background()
	workerIDs := make([]string, numWorkers)
	for i := range workerIDs {
		workerIDs[i] = fmt.Sprintf("worker-%d", i)
		if _, err := s.RegisterWorker(ctx, workerIDs[i], "t1", "default", now, seqID("w")); err != nil {
			t.Fatalf("RegisterWorker: %v", err)
		}
	}

	var mu sync.Mutex
	assignedCount := make(map[string]int)

	var wg sync.WaitGroup
	for _, workerID := range workerIDs {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			// Each worker loops, releasing itself after every
			// assignment via ReportResult, until it sees a run of
			// misses — with more fragments than workers and every
			// worker free to request again immediately, every
			// fragment is contended by more than one worker at some
			// point during the run.
			misses := 0
			for misses < 3 {
				a, err := s.RequestWork(ctx, workerID, "default", now, 300)
				if err != nil {
					t.Errorf("RequestWork(%s): %v", workerID, err)
					return
				}
				if a == nil {
					misses++
					continue
				}
				misses = 0
				mu.Lock()
				assignedCount[a.FragmentID]++
				mu.Unlock()
				if _, err := s.ReportResult(ctx, workerID, a.FragmentID, 0, "", now, 1); err != nil {
					t.Errorf("ReportResult(%s, %s): %v", workerID, a.FragmentID, err)
					return
				}
			}
		}(workerID)
	}
	wg.Wait()

	if len(assignedCount) != numFragments {
		t.Fatalf("expected all %d fragments assigned, got %d distinct: %v", numFragments, len(assignedCount), assignedCount)
	}
	for id, count := range assignedCount {
		if count != 1 {
			t.Errorf("fragment %s assigned %d times concurrently, want exactly 1", id, count)
		}
	}
}

func TestSweepStaleWorkersRequeuesFragment(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	chain := &model.Chain{ID: "c1", Status: model.ChainPending, Attempt: 1, DefaultMachine: "default", CreatedAt: now, UpdatedAt: now}
	frag := &model.Fragment{ID: "f1", ChainID: "c1", Sequence: 0, Kind: model.KindInline, RunScript: "sleep 60", Status: model.FragmentPending, Attempt: 1}
	setupChainWithFragments(t, s, chain, []*model.Fragment{frag})
	ctx := context.Background()

	if _, err := s.RequestWork(ctx, "worker-1", "default", now, 300); err != nil {
		t.Fatalf("RequestWork: %v", err)
	}

	later := now.Add(2 * time.Minute)
	swept, err := s.SweepStaleWorkers(ctx, later, time.Minute, 3)
	if err != nil {
		t.Fatalf("SweepStaleWorkers: %v", err)
	}
	if len(swept) != 1 || swept[0].WorkerID != "worker-1" || swept[0].FragmentID != "f1" {
		t.Fatalf("unexpected sweep result: %+v", swept)
	}

	worker, _ := s.GetWorker(ctx, "worker-1")
	if worker.Status != model.WorkerError {
		t.Fatalf("expected worker error, got %s", worker.Status)
	}
	got, _ := s.GetFragment(ctx, "f1")
	if got.Status != model.FragmentPending || got.Attempt != 2 {
		t.Fatalf("expected requeued attempt=2, got %+v", got)
	}
}
