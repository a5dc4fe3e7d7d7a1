// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vulcan-ci/vulcan/internal/model"
)

// RegisterWorker inserts a new worker row with status active, the given
// heartbeat time, and no current fragment. If clientID is non-empty and
// a worker with that id already exists, registration is idempotent and
// returns the existing id unchanged (spec.md §4.2: "Idempotent on a
// client-supplied identifier if provided").
func (s *Store) RegisterWorker(ctx context.Context, clientID, tenantID, machineGroup string, now time.Time, newID func() string) (string, error) {
	var id string
	err := s.withImmediateTx(ctx, func(conn *sqlite.Conn) error {
		if clientID != "" {
			exists, err := workerExists(conn, clientID)
			if err != nil {
				return err
			}
			if exists {
				id = clientID
				return nil
			}
			id = clientID
		} else {
			id = newID()
		}

		return sqlitex.Execute(conn, `INSERT INTO workers
			(id, tenant_id, machine_group, status, last_heartbeat_at, current_fragment_id)
			VALUES (?, ?, ?, ?, ?, NULL)`,
			&sqlitex.ExecOptions{Args: []any{id, tenantID, machineGroup, string(model.WorkerActive), now.UnixMilli()}})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func workerExists(conn *sqlite.Conn, id string) (bool, error) {
	found := false
	err := sqlitex.Execute(conn, `SELECT 1 FROM workers WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: checking worker existence: %w", err)
	}
	return found, nil
}

// Heartbeat updates the worker's last-heartbeat timestamp. Returns
// ErrNotFound if no such worker is registered.
func (s *Store) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `UPDATE workers SET last_heartbeat_at = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{now.UnixMilli(), workerID}}); err != nil {
			return fmt.Errorf("store: heartbeat: %w", err)
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetWorker returns the worker with the given id, or ErrNotFound.
func (s *Store) GetWorker(ctx context.Context, id string) (*model.Worker, error) {
	var w *model.Worker
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		worker, err := queryWorker(conn, id)
		if err != nil {
			return err
		}
		w = worker
		return nil
	})
	return w, err
}

func queryWorker(conn *sqlite.Conn, id string) (*model.Worker, error) {
	var w *model.Worker
	err := sqlitex.Execute(conn, `SELECT id, tenant_id, machine_group, status,
		last_heartbeat_at, current_fragment_id FROM workers WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				w = scanWorker(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: querying worker %s: %w", id, err)
	}
	if w == nil {
		return nil, ErrNotFound
	}
	return w, nil
}

func scanWorker(stmt *sqlite.Stmt) *model.Worker {
	w := &model.Worker{
		ID:              stmt.ColumnText(0),
		TenantID:        stmt.ColumnText(1),
		MachineGroup:    stmt.ColumnText(2),
		Status:          model.WorkerStatus(stmt.ColumnText(3)),
		LastHeartbeatAt: millisToTime(stmt.ColumnInt64(4)),
	}
	if stmt.ColumnType(5) != sqlite.TypeNull {
		v := stmt.ColumnText(5)
		w.CurrentFragmentID = &v
	}
	return w
}

// WorkerBusy reports whether the worker currently holds a fragment, for
// the graceful-shutdown preStop check (spec.md §4.2).
func (s *Store) WorkerBusy(ctx context.Context, id string) (busy bool, fragmentID string, err error) {
	w, err := s.GetWorker(ctx, id)
	if err != nil {
		return false, "", err
	}
	if w.CurrentFragmentID == nil {
		return false, "", nil
	}
	return true, *w.CurrentFragmentID, nil
}

// StaleWorker identifies one worker found stale by SweepStaleWorkers.
type StaleWorker struct {
	WorkerID   string
	FragmentID string // empty if the worker held nothing
}

// SweepStaleWorkers marks every worker whose last heartbeat predates
// the threshold as errored, requeues any fragment it held (incrementing
// attempt and applying maxAttempts), and returns the list of workers it
// acted on. See spec.md §4.2 "Liveness sweeper".
func (s *Store) SweepStaleWorkers(ctx context.Context, now time.Time, staleThreshold time.Duration, maxAttempts int) ([]StaleWorker, error) {
	var swept []StaleWorker
	err := s.withImmediateTx(ctx, func(conn *sqlite.Conn) error {
		cutoff := now.Add(-staleThreshold).UnixMilli()

		type candidate struct {
			id         string
			fragmentID *string
		}
		var candidates []candidate
		err := sqlitex.Execute(conn, `SELECT id, current_fragment_id FROM workers
			WHERE status != ? AND last_heartbeat_at < ?`,
			&sqlitex.ExecOptions{
				Args: []any{string(model.WorkerError), cutoff},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					c := candidate{id: stmt.ColumnText(0)}
					if stmt.ColumnType(1) != sqlite.TypeNull {
						v := stmt.ColumnText(1)
						c.fragmentID = &v
					}
					candidates = append(candidates, c)
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("store: selecting stale workers: %w", err)
		}

		for _, c := range candidates {
			if err := sqlitex.Execute(conn, `UPDATE workers SET status = ?, current_fragment_id = NULL WHERE id = ?`,
				&sqlitex.ExecOptions{Args: []any{string(model.WorkerError), c.id}}); err != nil {
				return fmt.Errorf("store: marking worker %s error: %w", c.id, err)
			}

			sw := StaleWorker{WorkerID: c.id}
			if c.fragmentID != nil {
				sw.FragmentID = *c.fragmentID
				if err := requeueOrFailFragment(conn, *c.fragmentID, now, maxAttempts, "worker heartbeat went stale"); err != nil {
					return err
				}
			}
			swept = append(swept, sw)
		}
		return nil
	})
	return swept, err
}
