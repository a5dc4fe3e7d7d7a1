// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vulcan-ci/vulcan/internal/clock"
)

// fakeOrchestrator is a minimal stand-in for the real HTTP surface,
// enough to drive the worker's loops deterministically in tests
// without depending on internal/orchestrator.
type fakeOrchestrator struct {
	registerFailures int32 // number of times /workers/register should fail before succeeding
	registerCalls    atomic.Int32

	heartbeatUnknown bool

	workAssignments []requestWorkResponse // consumed in order; after exhaustion, 204
	workCalls       atomic.Int32

	reportedResults []reportResultRequest
}

func (f *fakeOrchestrator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workers/register", func(w http.ResponseWriter, r *http.Request) {
		n := f.registerCalls.Add(1)
		if n <= int32(f.registerFailures) {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeTestJSON(w, registerWorkerResponse{WorkerID: "w1"})
	})
	mux.HandleFunc("POST /workers/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if f.heartbeatUnknown {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /work/request", func(w http.ResponseWriter, r *http.Request) {
		idx := int(f.workCalls.Add(1)) - 1
		if idx >= len(f.workAssignments) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeTestJSON(w, f.workAssignments[idx])
	})
	mux.HandleFunc("POST /work/result", func(w http.ResponseWriter, r *http.Request) {
		var req reportResultRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.reportedResults = append(f.reportedResults, req)
		writeTestJSON(w, reportResultResponse{OK: true})
	})
	return mux
}

type reportResultResponse struct {
	OK bool `json:"ok"`
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestRegisterWorkerSucceedsFirstTry(t *testing.T) {
	fake := &fakeOrchestrator{}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	id, err := client.RegisterWorker(context.Background(), "t1", "linux", "")
	if err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if id != "w1" {
		t.Fatalf("expected w1, got %s", id)
	}
}

func TestRegisterWithBackoffRetriesThenSucceeds(t *testing.T) {
	fake := &fakeOrchestrator{registerFailures: 2}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	fakeClock := clock.Fake(time.Unix(0, 0))
	w := New(client, fakeClock, nil, Config{TenantID: "t1"})

	resultCh := make(chan struct {
		id  string
		err error
	}, 1)
	go func() {
		id, err := w.registerWithBackoff(context.Background())
		resultCh <- struct {
			id  string
			err error
		}{id, err}
	}()

	// Two failures means two backoff waits (1s, 2s) before success.
	deadline := time.Now().Add(2 * time.Second)
	for fake.registerCalls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	fakeClock.Advance(time.Second)
	for fake.registerCalls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	fakeClock.Advance(2 * time.Second)

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("registerWithBackoff: %v", res.err)
		}
		if res.id != "w1" {
			t.Fatalf("expected w1, got %s", res.id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("registerWithBackoff did not complete")
	}
}

func TestHeartbeatLoopStopsOnUnknownWorker(t *testing.T) {
	fake := &fakeOrchestrator{heartbeatUnknown: true}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	w := New(client, nil, nil, Config{TenantID: "t1", HeartbeatInterval: 10 * time.Millisecond})
	w.workerID = "w1"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := w.heartbeatLoop(ctx)
	if err != ErrUnknownWorker {
		t.Fatalf("expected ErrUnknownWorker, got %v", err)
	}
}

func TestWorkLoopExecutesAssignmentAndReports(t *testing.T) {
	fake := &fakeOrchestrator{
		workAssignments: []requestWorkResponse{
			{FragmentID: "f1", Script: "exit 0", TimeoutSecs: 5},
		},
	}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	client := NewClient(server.URL, server.Client())
	w := New(client, nil, nil, Config{TenantID: "t1", PollInterval: 5 * time.Millisecond, ScriptTimeout: 5 * time.Second})
	w.workerID = "w1"

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = w.workLoop(ctx)

	if len(fake.reportedResults) == 0 {
		t.Fatal("expected at least one reported result")
	}
	got := fake.reportedResults[0]
	if got.FragmentID != "f1" || got.ExitCode != 0 {
		t.Fatalf("unexpected report: %+v", got)
	}
}
