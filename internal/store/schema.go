// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// schemaDDL creates the chains/fragments/workers tables and their
// indices, per spec.md §3 and §6. parent_key mirrors parent_fragment_id
// but is '' at the root instead of NULL, since SQLite treats NULL as
// distinct for every row in a UNIQUE constraint and the sibling-sequence
// uniqueness invariant (spec.md §3) must also hold among root fragments.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS chains (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempt         INTEGER NOT NULL DEFAULT 1,
	source_path     TEXT NOT NULL DEFAULT '',
	repository_url  TEXT NOT NULL DEFAULT '',
	commit_sha      TEXT NOT NULL DEFAULT '',
	branch          TEXT NOT NULL DEFAULT '',
	trigger_kind    TEXT NOT NULL DEFAULT '',
	trigger_ref     TEXT NOT NULL DEFAULT '',
	default_machine TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	started_at      INTEGER,
	completed_at    INTEGER
);

CREATE TABLE IF NOT EXISTS workers (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL,
	machine_group       TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	last_heartbeat_at   INTEGER NOT NULL,
	current_fragment_id TEXT
);

CREATE TABLE IF NOT EXISTS fragments (
	id                  TEXT PRIMARY KEY,
	chain_id            TEXT NOT NULL REFERENCES chains(id) ON DELETE CASCADE,
	parent_fragment_id  TEXT REFERENCES fragments(id) ON DELETE CASCADE,
	parent_key          TEXT NOT NULL DEFAULT '',
	sequence            INTEGER NOT NULL,
	kind                TEXT NOT NULL CHECK (kind IN ('inline', 'group')),
	run_script          TEXT NOT NULL DEFAULT '',
	machine             TEXT NOT NULL DEFAULT '',
	is_parallel         INTEGER NOT NULL DEFAULT 0,
	condition           TEXT NOT NULL DEFAULT '',
	source_url          TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	assigned_worker_id  TEXT REFERENCES workers(id),
	started_at          INTEGER,
	completed_at        INTEGER,
	exit_code           INTEGER,
	error_message       TEXT NOT NULL DEFAULT '',
	attempt             INTEGER NOT NULL DEFAULT 1,
	CHECK (
		(kind = 'inline' AND run_script <> '') OR
		(kind = 'group' AND run_script = '')
	),
	UNIQUE (chain_id, parent_key, sequence)
);

CREATE INDEX IF NOT EXISTS idx_fragments_chain ON fragments(chain_id);
CREATE INDEX IF NOT EXISTS idx_fragments_dispatch ON fragments(status, kind, machine);
CREATE INDEX IF NOT EXISTS idx_fragments_parent ON fragments(parent_fragment_id);
CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers(last_heartbeat_at);
`

func ensureSchema(conn *sqlite.Conn) error {
	if err := sqlitex.ExecuteScript(conn, schemaDDL, nil); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}
