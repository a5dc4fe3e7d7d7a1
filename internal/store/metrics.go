// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// QueueMetrics is the aggregate the controller polls (spec.md §4.2,
// §4.4).
type QueueMetrics struct {
	PendingFragments    int
	RunningFragments    int
	ActiveWorkers       int
	OldestPendingAgeSec *int
}

// QueueMetrics aggregates counts over inline fragments in machineGroup,
// or over every machine group when machineGroup is "" — see DESIGN.md's
// resolution of spec.md §9's oldest_pending_seconds open question: the
// unfiltered case is simply the filtered computation with no WHERE
// clause on machine, not a separate code path.
func (s *Store) QueueMetrics(ctx context.Context, machineGroup string, now time.Time) (QueueMetrics, error) {
	var m QueueMetrics
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		pending, running, oldestCreated, err := queryFragmentCounts(conn, machineGroup)
		if err != nil {
			return err
		}
		m.PendingFragments = pending
		m.RunningFragments = running
		if oldestCreated != nil {
			age := int(now.Sub(*oldestCreated).Seconds())
			if age < 0 {
				age = 0
			}
			m.OldestPendingAgeSec = &age
		}

		active, err := queryActiveWorkerCount(conn, machineGroup)
		if err != nil {
			return err
		}
		m.ActiveWorkers = active
		return nil
	})
	return m, err
}

func queryFragmentCounts(conn *sqlite.Conn, machineGroup string) (pending, running int, oldestPendingCreatedAt *time.Time, err error) {
	query := `
		SELECT f.status, c.created_at
		FROM fragments f
		JOIN chains c ON c.id = f.chain_id
		WHERE f.kind = 'inline' AND f.status IN ('pending', 'running')`
	args := []any{}
	if machineGroup != "" {
		query += ` AND (CASE WHEN f.machine <> '' THEN f.machine ELSE c.default_machine END) = ?`
		args = append(args, machineGroup)
	}

	var oldestMillis int64
	haveOldest := false

	execErr := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			status := stmt.ColumnText(0)
			createdAt := stmt.ColumnInt64(1)
			switch status {
			case "pending":
				pending++
				if !haveOldest || createdAt < oldestMillis {
					oldestMillis = createdAt
					haveOldest = true
				}
			case "running":
				running++
			}
			return nil
		},
	})
	if execErr != nil {
		return 0, 0, nil, fmt.Errorf("store: querying fragment counts: %w", execErr)
	}
	if haveOldest {
		t := millisToTime(oldestMillis)
		oldestPendingCreatedAt = &t
	}
	return pending, running, oldestPendingCreatedAt, nil
}

func queryActiveWorkerCount(conn *sqlite.Conn, machineGroup string) (int, error) {
	query := `SELECT COUNT(*) FROM workers WHERE status = 'active'`
	args := []any{}
	if machineGroup != "" {
		query += ` AND machine_group = ?`
		args = append(args, machineGroup)
	}
	count := 0
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = int(stmt.ColumnInt64(0))
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("store: counting active workers: %w", err)
	}
	return count, nil
}
