// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/vulcan-ci/vulcan/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seqID(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return prefix + "-" + string(rune('0'+n))
	}
}

func mustCreateChain(t *testing.T, s *Store, chain *model.Chain, frags []*model.Fragment) {
	t.Helper()
	if err := s.CreateChain(context.Background(), chain, frags); err != nil {
		t.Fatalf("CreateChain: %v", err)
	}
}

func TestCreateAndGetChain(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)
	chain := &model.Chain{
		ID: "chain-1", TenantID: "t1", Status: model.ChainPending, Attempt: 1,
		DefaultMachine: "default", CreatedAt: now, UpdatedAt: now,
	}
	frag := &model.Fragment{
		ID: "frag-1", ChainID: "chain-1", Sequence: 0, Kind: model.KindInline,
		RunScript: "true", Status: model.FragmentPending, Attempt: 1,
	}
	mustCreateChain(t, s, chain, []*model.Fragment{frag})

	got, err := s.GetChain(context.Background(), "chain-1")
	if err != nil {
		t.Fatalf("GetChain: %v", err)
	}
	if got.DefaultMachine != "default" || got.Status != model.ChainPending {
		t.Errorf("unexpected chain: %+v", got)
	}

	gotFrag, err := s.GetFragment(context.Background(), "frag-1")
	if err != nil {
		t.Fatalf("GetFragment: %v", err)
	}
	if gotFrag.RunScript != "true" || gotFrag.Kind != model.KindInline {
		t.Errorf("unexpected fragment: %+v", gotFrag)
	}
}

func TestGetChainNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetChain(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterWorkerIdempotent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	id1, err := s.RegisterWorker(context.Background(), "w1", "t1", "default", now, seqID("w"))
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	id2, err := s.RegisterWorker(context.Background(), "w1", "t1", "default", now, seqID("w"))
	if err != nil {
		t.Fatalf("RegisterWorker (repeat): %v", err)
	}
	if id1 != id2 || id1 != "w1" {
		t.Fatalf("expected idempotent id w1, got %s then %s", id1, id2)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	s := newTestStore(t)
	if err := s.Heartbeat(context.Background(), "ghost", time.Now()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
