// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker is Vulcan's Worker Runtime (spec.md §4.3): the
// long-running process that registers with the orchestrator, heartbeats,
// polls for work, executes it in internal/sandbox, and reports results.
package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/zstd"
)

// maxResponseBodySize bounds how much of an orchestrator response body
// the client will read, guarding against a misbehaving server — the
// same defensive bound the teacher's lib/netutil response helpers use
// for JSON API responses.
const maxResponseBodySize = 1 << 20

// Client is a typed HTTP client for the orchestrator's API (spec.md
// §6), grounded on lib/proxyclient/client.go's get/post-helper shape.
type Client struct {
	httpClient *http.Client
	baseURL    string

	encoder *zstd.Encoder
}

// NewClient creates a Client that talks to the orchestrator at baseURL
// (e.g. "http://orchestrator.internal:8080"). httpClient may be nil to
// use http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	// EncodeAll on a *zstd.Encoder built without WithEncoderConcurrency
	// tuning is safe for concurrent use; the worker's heartbeat and
	// work loops never compress concurrently in practice, but this
	// keeps the client safe regardless.
	encoder, _ := zstd.NewWriter(nil)
	return &Client{httpClient: httpClient, baseURL: baseURL, encoder: encoder}
}

type registerWorkerRequest struct {
	TenantID     string `json:"tenant_id"`
	MachineGroup string `json:"machine_group,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
}

type registerWorkerResponse struct {
	WorkerID string `json:"worker_id"`
}

// RegisterWorker calls POST /workers/register.
func (c *Client) RegisterWorker(ctx context.Context, tenantID, machineGroup, clientID string) (string, error) {
	resp, err := c.post(ctx, "/workers/register", registerWorkerRequest{
		TenantID: tenantID, MachineGroup: machineGroup, ClientID: clientID,
	})
	if err != nil {
		return "", fmt.Errorf("register_worker: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("register_worker: %w", httpStatusError(resp))
	}
	var out registerWorkerResponse
	if err := decodeJSON(resp.Body, &out); err != nil {
		return "", fmt.Errorf("register_worker: %w", err)
	}
	return out.WorkerID, nil
}

type heartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

// ErrUnknownWorker is returned by Heartbeat and RequestWork when the
// orchestrator responds 404 — spec.md §6's "200 or 404" / unknown-worker
// case. The caller (the worker's run loop) treats this as fatal:
// re-registration, not retry, is the correct recovery.
var ErrUnknownWorker = fmt.Errorf("worker: unknown worker")

// Heartbeat calls POST /workers/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	resp, err := c.post(ctx, "/workers/heartbeat", heartbeatRequest{WorkerID: workerID})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrUnknownWorker
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat: %w", httpStatusError(resp))
	}
	return nil
}

type requestWorkRequest struct {
	WorkerID     string `json:"worker_id"`
	MachineGroup string `json:"machine_group,omitempty"`
}

// Assignment is a fragment of work returned by RequestWork.
type Assignment struct {
	FragmentID  string
	Script      string
	Env         map[string]string
	TimeoutSecs int
}

type requestWorkResponse struct {
	FragmentID  string            `json:"fragment_id"`
	Script      string            `json:"script"`
	Env         map[string]string `json:"env"`
	TimeoutSecs int               `json:"timeout_secs"`
}

// RequestWork calls POST /work/request. Returns (nil, nil) on 204 (no
// work available).
func (c *Client) RequestWork(ctx context.Context, workerID, machineGroup string) (*Assignment, error) {
	resp, err := c.post(ctx, "/work/request", requestWorkRequest{WorkerID: workerID, MachineGroup: machineGroup})
	if err != nil {
		return nil, fmt.Errorf("request_work: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound:
		return nil, ErrUnknownWorker
	case http.StatusOK:
		var out requestWorkResponse
		if err := decodeJSON(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("request_work: %w", err)
		}
		return &Assignment{
			FragmentID:  out.FragmentID,
			Script:      out.Script,
			Env:         out.Env,
			TimeoutSecs: out.TimeoutSecs,
		}, nil
	default:
		return nil, fmt.Errorf("request_work: %w", httpStatusError(resp))
	}
}

type reportResultRequest struct {
	WorkerID   string `json:"worker_id"`
	FragmentID string `json:"fragment_id"`
	ExitCode   int    `json:"exit_code"`
	Error      string `json:"error,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

// ReportResult calls POST /work/result. stdout and stderr tails are
// zstd-compressed and base64-encoded before transmission — script
// output can be large relative to the rest of the payload, and the
// orchestrator only needs it for operator-visible logging, not
// byte-exact storage.
func (c *Client) ReportResult(ctx context.Context, workerID, fragmentID string, exitCode int, errMsg, stdout, stderr string) error {
	req := reportResultRequest{
		WorkerID:   workerID,
		FragmentID: fragmentID,
		ExitCode:   exitCode,
		Error:      errMsg,
		Stdout:     c.compress(stdout),
		Stderr:     c.compress(stderr),
	}
	resp, err := c.post(ctx, "/work/result", req)
	if err != nil {
		return fmt.Errorf("report_result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("report_result: %w", httpStatusError(resp))
	}
	return nil
}

func (c *Client) compress(s string) string {
	if s == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString(c.encoder.EncodeAll([]byte(s), nil))
}

func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

func decodeJSON(r io.Reader, dst any) error {
	return json.NewDecoder(io.LimitReader(r, maxResponseBodySize)).Decode(dst)
}

func httpStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}
