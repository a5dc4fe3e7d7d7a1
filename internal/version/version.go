// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build identity shared by vulcan-orchestrator,
// vulcan-worker, and vulcan-controller's `-version` flag.
//
// The three binaries share one build pipeline, so GitCommit/GitDirty/
// BuildTime are injected once via -ldflags at link time, e.g.:
//
//	go build -ldflags "-X github.com/vulcan-ci/vulcan/internal/version.GitCommit=$(git rev-parse --short HEAD)" \
//	    ./cmd/vulcan-orchestrator
package version

import "fmt"

// These are set via -ldflags at build time; the zero values are what a
// plain `go build` without ldflags produces.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info formats the version line printed by each binary's `-version` flag,
// identifying which of the three it is (e.g. "vulcan-worker 0.1.0-dev
// (a1b2c3c-dirty, 2026-01-01T00:00:00Z)").
func Info(component string) string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s %s (%s%s, %s)", component, Version, GitCommit, dirty, BuildTime)
}
