// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package compiler

import "fmt"

// Kind enumerates the compiler's validation error taxonomy (spec.md §4.1).
// ImportsDisabled is named explicitly in the prose ("the fetcher may be
// disabled; encountering from then fails with ImportsDisabled") even
// though it is not in the bulleted list, so it is kept as its own Kind
// rather than folded into FetchFailed. UnsupportedVersion is the one
// taxonomy member NOT given its own Kind (see DESIGN.md): it is
// reported as InvalidSyntax with a distinguishing message, since
// spec.md's bulleted list is treated as closed.
type Kind string

const (
	InvalidSyntax   Kind = "invalid_syntax"
	MissingRequired Kind = "missing_required"
	MutualExclusion Kind = "mutual_exclusion"
	InvalidURL      Kind = "invalid_url"
	FetchFailed     Kind = "fetch_failed"
	CircularImport  Kind = "circular_import"
	NoMachine       Kind = "no_machine"
	TriggerMismatch Kind = "trigger_mismatch"
	ImportsDisabled Kind = "imports_disabled"
)

// CompileError is returned for the first offending node encountered;
// the compiler fails fast (spec.md §7).
type CompileError struct {
	Kind    Kind
	Message string
	Line    int
	Err     error
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s at line %d: %s", e.Kind, e.Line, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CompileError) Unwrap() error { return e.Err }

func newErr(kind Kind, line int, format string, args ...any) *CompileError {
	return &CompileError{Kind: kind, Line: line, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(kind Kind, line int, err error, format string, args ...any) *CompileError {
	return &CompileError{Kind: kind, Line: line, Message: fmt.Sprintf(format, args...), Err: err}
}
