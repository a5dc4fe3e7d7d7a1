// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Vulcan's three
// binaries (orchestrator, worker, controller).
//
// The orchestrator reads a single static YAML file, specified by:
//   - VULCAN_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There is no automatic file discovery, mirroring the teacher's
// BUREAU_CONFIG convention. When neither is given, the orchestrator
// binary runs on DefaultOrchestratorConfig.
//
// The worker and controller are driven primarily by environment
// variables (they run as one process per machine/pool and a file per
// instance would be awkward to manage), with an optional local JSONC
// override file for operator tuning that doesn't belong in the
// process environment (VULCAN_WORKER_OVERRIDES_FILE /
// VULCAN_CONTROLLER_OVERRIDES_FILE).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// OrchestratorConfig is the orchestrator binary's configuration.
type OrchestratorConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	StorePath   string `yaml:"store_path"`
	MaxAttempts int    `yaml:"max_attempts"`

	HeartbeatIntervalSecs    int `yaml:"heartbeat_interval_secs"`
	StaleThresholdSecs       int `yaml:"stale_threshold_secs"`
	SweepIntervalSecs        int `yaml:"sweep_interval_secs"`
	DefaultScriptTimeoutSecs int `yaml:"default_script_timeout_secs"`
}

// DefaultOrchestratorConfig returns the orchestrator's default
// configuration. These defaults ensure sensible zero-values; they are
// not a substitute for the config file when VULCAN_CONFIG is set.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		ListenAddr:               ":8080",
		StorePath:                "vulcan.db",
		MaxAttempts:              3,
		HeartbeatIntervalSecs:    10,
		StaleThresholdSecs:       0, // 0 means "derive from 3x heartbeat interval"
		SweepIntervalSecs:        30,
		DefaultScriptTimeoutSecs: 300,
	}
}

// LoadOrchestratorConfig loads from the VULCAN_CONFIG environment
// variable. Fails if it is unset — there is no implicit default file
// location, matching the teacher's Load().
func LoadOrchestratorConfig() (*OrchestratorConfig, error) {
	path := os.Getenv("VULCAN_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("VULCAN_CONFIG environment variable not set; " +
			"set it to the path of your orchestrator config file, or use --config")
	}
	return LoadOrchestratorConfigFile(path)
}

// LoadOrchestratorConfigFile loads configuration from a specific YAML
// file path, starting from DefaultOrchestratorConfig and overlaying
// whatever the file specifies.
func LoadOrchestratorConfigFile(path string) (*OrchestratorConfig, error) {
	cfg := DefaultOrchestratorConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// WorkerConfig is the worker binary's configuration, populated from
// environment variables with an optional JSONC override file layered
// on top.
type WorkerConfig struct {
	OrchestratorURL string
	TenantID        string
	MachineGroup    string

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ScriptTimeout     time.Duration
	MaxBackoff        time.Duration
}

// DefaultWorkerConfig returns the worker's default configuration.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      5 * time.Second,
		ScriptTimeout:     300 * time.Second,
		MaxBackoff:        60 * time.Second,
	}
}

// LoadWorkerConfig builds a WorkerConfig from VULCAN_WORKER_* /
// VULCAN_TENANT_ID environment variables, then layers
// VULCAN_WORKER_OVERRIDES_FILE (a JSONC document) on top if set.
func LoadWorkerConfig(environ func(string) string) (*WorkerConfig, error) {
	if environ == nil {
		environ = os.Getenv
	}
	cfg := DefaultWorkerConfig()

	cfg.OrchestratorURL = environ("VULCAN_ORCHESTRATOR_URL")
	if cfg.OrchestratorURL == "" {
		return nil, fmt.Errorf("VULCAN_ORCHESTRATOR_URL environment variable not set")
	}
	cfg.TenantID = environ("VULCAN_TENANT_ID")
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("VULCAN_TENANT_ID environment variable not set")
	}
	cfg.MachineGroup = environ("VULCAN_MACHINE_GROUP")

	if err := overrideDuration(environ("VULCAN_WORKER_HEARTBEAT_INTERVAL_SECS"), &cfg.HeartbeatInterval); err != nil {
		return nil, err
	}
	if err := overrideDuration(environ("VULCAN_WORKER_POLL_INTERVAL_SECS"), &cfg.PollInterval); err != nil {
		return nil, err
	}
	if err := overrideDuration(environ("VULCAN_WORKER_SCRIPT_TIMEOUT_SECS"), &cfg.ScriptTimeout); err != nil {
		return nil, err
	}
	if err := overrideDuration(environ("VULCAN_WORKER_MAX_BACKOFF_SECS"), &cfg.MaxBackoff); err != nil {
		return nil, err
	}

	if overridesPath := environ("VULCAN_WORKER_OVERRIDES_FILE"); overridesPath != "" {
		if err := applyWorkerOverridesFile(cfg, overridesPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

type workerOverrides struct {
	MachineGroup          *string `json:"machine_group"`
	HeartbeatIntervalSecs *int    `json:"heartbeat_interval_secs"`
	PollIntervalSecs      *int    `json:"poll_interval_secs"`
	ScriptTimeoutSecs     *int    `json:"script_timeout_secs"`
	MaxBackoffSecs        *int    `json:"max_backoff_secs"`
}

// applyWorkerOverridesFile reads a JSONC local tuning file (comments
// and trailing commas allowed) and overlays any fields it sets onto
// cfg, mirroring lib/pipelinedef/parse.go's jsonc.ToJSON-then-Unmarshal
// pattern.
func applyWorkerOverridesFile(cfg *WorkerConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var overrides workerOverrides
	if err := json.Unmarshal(jsonc.ToJSON(raw), &overrides); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if overrides.MachineGroup != nil {
		cfg.MachineGroup = *overrides.MachineGroup
	}
	if overrides.HeartbeatIntervalSecs != nil {
		cfg.HeartbeatInterval = time.Duration(*overrides.HeartbeatIntervalSecs) * time.Second
	}
	if overrides.PollIntervalSecs != nil {
		cfg.PollInterval = time.Duration(*overrides.PollIntervalSecs) * time.Second
	}
	if overrides.ScriptTimeoutSecs != nil {
		cfg.ScriptTimeout = time.Duration(*overrides.ScriptTimeoutSecs) * time.Second
	}
	if overrides.MaxBackoffSecs != nil {
		cfg.MaxBackoff = time.Duration(*overrides.MaxBackoffSecs) * time.Second
	}
	return nil
}

// ControllerConfig is the controller binary's configuration.
type ControllerConfig struct {
	OrchestratorURL string
	MachineGroup    string

	MinReplicas            int
	MaxReplicas            int
	TargetPendingPerWorker float64
	ScaleDownDelay         time.Duration
	PollInterval           time.Duration
}

// DefaultControllerConfig returns the controller's default configuration.
func DefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		MinReplicas:            0,
		MaxReplicas:            10,
		TargetPendingPerWorker: 1.0,
		ScaleDownDelay:         300 * time.Second,
		PollInterval:           30 * time.Second,
	}
}

// LoadControllerConfig builds a ControllerConfig from VULCAN_CONTROLLER_*
// environment variables, then layers VULCAN_CONTROLLER_OVERRIDES_FILE
// (a JSONC document) on top if set.
func LoadControllerConfig(environ func(string) string) (*ControllerConfig, error) {
	if environ == nil {
		environ = os.Getenv
	}
	cfg := DefaultControllerConfig()

	cfg.OrchestratorURL = environ("VULCAN_ORCHESTRATOR_URL")
	if cfg.OrchestratorURL == "" {
		return nil, fmt.Errorf("VULCAN_ORCHESTRATOR_URL environment variable not set")
	}
	cfg.MachineGroup = environ("VULCAN_MACHINE_GROUP")

	if err := overrideInt(environ("VULCAN_CONTROLLER_MIN_REPLICAS"), &cfg.MinReplicas); err != nil {
		return nil, err
	}
	if err := overrideInt(environ("VULCAN_CONTROLLER_MAX_REPLICAS"), &cfg.MaxReplicas); err != nil {
		return nil, err
	}
	if err := overrideFloat(environ("VULCAN_CONTROLLER_TARGET_PENDING_PER_WORKER"), &cfg.TargetPendingPerWorker); err != nil {
		return nil, err
	}
	if err := overrideDuration(environ("VULCAN_CONTROLLER_SCALE_DOWN_DELAY_SECS"), &cfg.ScaleDownDelay); err != nil {
		return nil, err
	}
	if err := overrideDuration(environ("VULCAN_CONTROLLER_POLL_INTERVAL_SECS"), &cfg.PollInterval); err != nil {
		return nil, err
	}

	if overridesPath := environ("VULCAN_CONTROLLER_OVERRIDES_FILE"); overridesPath != "" {
		if err := applyControllerOverridesFile(cfg, overridesPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

type controllerOverrides struct {
	MinReplicas            *int     `json:"min_replicas"`
	MaxReplicas            *int     `json:"max_replicas"`
	TargetPendingPerWorker *float64 `json:"target_pending_per_worker"`
	ScaleDownDelaySecs     *int     `json:"scale_down_delay_secs"`
	PollIntervalSecs       *int     `json:"poll_interval_secs"`
}

func applyControllerOverridesFile(cfg *ControllerConfig, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var overrides controllerOverrides
	if err := json.Unmarshal(jsonc.ToJSON(raw), &overrides); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if overrides.MinReplicas != nil {
		cfg.MinReplicas = *overrides.MinReplicas
	}
	if overrides.MaxReplicas != nil {
		cfg.MaxReplicas = *overrides.MaxReplicas
	}
	if overrides.TargetPendingPerWorker != nil {
		cfg.TargetPendingPerWorker = *overrides.TargetPendingPerWorker
	}
	if overrides.ScaleDownDelaySecs != nil {
		cfg.ScaleDownDelay = time.Duration(*overrides.ScaleDownDelaySecs) * time.Second
	}
	if overrides.PollIntervalSecs != nil {
		cfg.PollInterval = time.Duration(*overrides.PollIntervalSecs) * time.Second
	}
	return nil
}

func overrideDuration(raw string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid duration seconds %q: %w", raw, err)
	}
	*dst = time.Duration(secs) * time.Second
	return nil
}

func overrideInt(raw string, dst *int) error {
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", raw, err)
	}
	*dst = n
	return nil
}

func overrideFloat(raw string, dst *float64) error {
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid float %q: %w", raw, err)
	}
	*dst = f
	return nil
}
