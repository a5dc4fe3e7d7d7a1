// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vulcan-ci/vulcan/internal/store"
)

// Handler returns the orchestrator's HTTP surface exactly per spec.md
// §6's endpoint table, routed with the standard library's method-
// and-path pattern matching (no router dependency exists in the
// example pack's domain stack for this).
func (o *Orchestrator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workers/register", o.handleRegisterWorker)
	mux.HandleFunc("POST /workers/heartbeat", o.handleHeartbeat)
	mux.HandleFunc("POST /work/request", o.handleRequestWork)
	mux.HandleFunc("POST /work/result", o.handleReportResult)
	mux.HandleFunc("GET /workers/{id}/busy", o.handleWorkerBusy)
	mux.HandleFunc("GET /queue/metrics", o.handleQueueMetrics)
	mux.HandleFunc("GET /health", o.handleHealth)
	return mux
}

type registerWorkerRequest struct {
	TenantID     string `json:"tenant_id"`
	MachineGroup string `json:"machine_group"`
	// ClientID is an optional caller-supplied identity that makes
	// registration idempotent across retries (spec.md §4.2:
	// "Idempotent on a client-supplied identifier if provided").
	// Not listed in §6's request-body sketch but implied by the
	// operation's own description; omitting it yields a fresh worker
	// identity each call, as the spec requires for that case.
	ClientID string `json:"client_id"`
}

type registerWorkerResponse struct {
	WorkerID string `json:"worker_id"`
}

func (o *Orchestrator) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	id, err := o.store.RegisterWorker(r.Context(), req.ClientID, req.TenantID, req.MachineGroup, o.clock.Now(), newWorkerID)
	if err != nil {
		o.logger.Error("register_worker failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, registerWorkerResponse{WorkerID: id})
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

func (o *Orchestrator) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	err := o.store.Heartbeat(r.Context(), req.WorkerID, o.clock.Now())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown worker")
		return
	}
	if err != nil {
		o.logger.Error("heartbeat failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type requestWorkRequest struct {
	WorkerID     string `json:"worker_id"`
	MachineGroup string `json:"machine_group"`
}

type requestWorkResponse struct {
	FragmentID  string            `json:"fragment_id"`
	Script      string            `json:"script"`
	Env         map[string]string `json:"env"`
	TimeoutSecs int               `json:"timeout_secs"`
}

func (o *Orchestrator) handleRequestWork(w http.ResponseWriter, r *http.Request) {
	var req requestWorkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	assignment, err := o.store.RequestWork(r.Context(), req.WorkerID, req.MachineGroup, o.clock.Now(), o.scriptTimeoutSecs)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown worker")
		return
	}
	if err != nil {
		o.logger.Error("request_work failed", "error", err, "worker_id", req.WorkerID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if assignment == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, requestWorkResponse{
		FragmentID:  assignment.FragmentID,
		Script:      assignment.Script,
		Env:         assignment.Env,
		TimeoutSecs: assignment.TimeoutSecs,
	})
}

type reportResultRequest struct {
	WorkerID   string `json:"worker_id"`
	FragmentID string `json:"fragment_id"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
}

type reportResultResponse struct {
	OK bool `json:"ok"`
}

func (o *Orchestrator) handleReportResult(w http.ResponseWriter, r *http.Request) {
	var req reportResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.WorkerID == "" || req.FragmentID == "" {
		writeError(w, http.StatusBadRequest, "worker_id and fragment_id are required")
		return
	}

	// stdout/stderr tails are accepted but not persisted by the store
	// (spec.md §3's fragment attributes have no tail-storage fields);
	// they are zstd-compressed+base64-encoded by the worker client and
	// decompressed here for operator-visible logging only.
	ok, err := o.store.ReportResult(r.Context(), req.WorkerID, req.FragmentID, req.ExitCode, req.Error, o.clock.Now(), o.maxAttempts)
	if err != nil {
		o.logger.Error("report_result failed", "error", err, "fragment_id", req.FragmentID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		o.logger.Debug("report_result: not assigned, idempotent no-op", "worker_id", req.WorkerID, "fragment_id", req.FragmentID)
	}
	if req.Stdout != "" || req.Stderr != "" {
		stdout := o.decompress(req.Stdout)
		stderr := o.decompress(req.Stderr)
		o.logger.Debug("fragment output", "fragment_id", req.FragmentID, "stdout_len", len(stdout), "stderr_len", len(stderr))
	}

	// spec.md §7: Conflict ("not_assigned") is silently coerced to ok
	// from the caller's perspective — a late/duplicate report is not
	// a failure the worker should retry or alarm on.
	writeJSON(w, http.StatusOK, reportResultResponse{OK: true})
}

type workerBusyResponse struct {
	Busy       bool   `json:"busy"`
	FragmentID string `json:"fragment_id,omitempty"`
}

func (o *Orchestrator) handleWorkerBusy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	busy, fragmentID, err := o.store.WorkerBusy(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown worker")
		return
	}
	if err != nil {
		o.logger.Error("worker_busy failed", "error", err, "worker_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, workerBusyResponse{Busy: busy, FragmentID: fragmentID})
}

type queueMetricsResponse struct {
	PendingFragments     int  `json:"pending_fragments"`
	RunningFragments     int  `json:"running_fragments"`
	ActiveWorkers        int  `json:"active_workers"`
	OldestPendingSeconds *int `json:"oldest_pending_seconds,omitempty"`
}

func (o *Orchestrator) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	machineGroup := r.URL.Query().Get("machine_group")
	m, err := o.store.QueueMetrics(r.Context(), machineGroup, o.clock.Now())
	if err != nil {
		o.logger.Error("queue_metrics failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, queueMetricsResponse{
		PendingFragments:     m.PendingFragments,
		RunningFragments:     m.RunningFragments,
		ActiveWorkers:        m.ActiveWorkers,
		OldestPendingSeconds: m.OldestPendingAgeSec,
	})
}

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}
