// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// maxResponseBodySize bounds how much of an orchestrator response body
// the client will read.
const maxResponseBodySize = 1 << 20

// Client is a typed HTTP client for the orchestrator's GET /queue/metrics
// endpoint (spec.md §6), grounded on lib/proxyclient/client.go's get-helper
// shape — the same pattern internal/worker.Client uses for its calls.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Client that talks to the orchestrator at baseURL.
// httpClient may be nil to use http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, baseURL: baseURL}
}

type queueMetricsResponse struct {
	PendingFragments     int     `json:"pending_fragments"`
	RunningFragments     int     `json:"running_fragments"`
	ActiveWorkers        int     `json:"active_workers"`
	OldestPendingSeconds float64 `json:"oldest_pending_seconds"`
}

// QueueMetrics calls GET /queue/metrics?machine_group=... and satisfies
// the MetricsSource interface.
func (c *Client) QueueMetrics(ctx context.Context, machineGroup string) (QueueMetrics, error) {
	path := "/queue/metrics"
	if machineGroup != "" {
		path += "?machine_group=" + url.QueryEscape(machineGroup)
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return QueueMetrics{}, fmt.Errorf("queue_metrics: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return QueueMetrics{}, fmt.Errorf("queue_metrics: %w", httpStatusError(resp))
	}
	var out queueMetricsResponse
	if err := decodeJSON(resp.Body, &out); err != nil {
		return QueueMetrics{}, fmt.Errorf("queue_metrics: %w", err)
	}
	return QueueMetrics{PendingFragments: out.PendingFragments}, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

func decodeJSON(r io.Reader, dst any) error {
	return json.NewDecoder(io.LimitReader(r, maxResponseBodySize)).Decode(dst)
}

func httpStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}
