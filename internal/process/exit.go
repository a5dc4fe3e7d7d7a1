// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides the standard main() exit path shared by every
// Vulcan binary.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors returned from run() before the structured logger is
// guaranteed to be initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
