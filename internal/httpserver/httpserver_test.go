// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLogRequestsLogsMethodPathAndStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}), logger)

	req := httptest.NewRequest(http.MethodPost, "/work/request", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	logged := buf.String()
	for _, want := range []string{"method=POST", "path=/work/request", "status=201"} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output %q missing %q", logged, want)
		}
	}
	if strings.Contains(logged, "level=ERROR") {
		t.Errorf("2xx response should not log at Error: %q", logged)
	}
}

func TestLogRequestsLogsServerErrorsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}), logger)

	req := httptest.NewRequest(http.MethodGet, "/queue/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if logged := buf.String(); !strings.Contains(logged, "level=ERROR") {
		t.Errorf("5xx response should log at Error, got %q", logged)
	}
}

func TestLogRequestsDefaultsStatusTo200WhenHandlerNeverCallsWriteHeader(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}), logger)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if logged := buf.String(); !strings.Contains(logged, "status=200") {
		t.Errorf("expected implicit 200 status, got %q", logged)
	}
}

func TestNewPanicsOnMissingAddress(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on missing Address")
		}
	}()
	New(Config{Handler: http.NotFoundHandler(), Logger: testLogger()})
}

func TestNewPanicsOnMissingHandler(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on missing Handler")
		}
	}()
	New(Config{Address: ":0", Logger: testLogger()})
}

func TestNewPanicsOnMissingLogger(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on missing Logger")
		}
	}()
	New(Config{Address: ":0", Handler: http.NotFoundHandler()})
}

func TestServeBecomesReadyAndServesRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s := New(Config{Address: "127.0.0.1:0", Handler: mux, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- s.Serve(ctx) }()

	select {
	case <-s.Ready():
	case err := <-serveDone:
		t.Fatalf("server exited before becoming ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server to become ready")
	}

	resp, err := http.Get("http://" + s.Addr().String() + "/ping")
	if err != nil {
		t.Fatalf("GET /ping: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Serve returned error on shutdown: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for graceful shutdown")
	}
}

func TestServeReturnsErrorOnUnbindableAddress(t *testing.T) {
	s := New(Config{Address: "256.256.256.256:0", Handler: http.NotFoundHandler(), Logger: testLogger()})
	err := s.Serve(context.Background())
	if err == nil {
		t.Fatal("expected error binding an invalid address")
	}
}
