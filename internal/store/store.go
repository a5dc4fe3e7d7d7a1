// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is Vulcan's persistent state store (spec.md §3, §6.2):
// chains, fragments, and workers backed by SQLite via
// zombiezen.com/go/sqlite, adapted from the teacher's lib/sqlitepool.
// All cross-row mutations run inside a single BEGIN IMMEDIATE
// transaction, SQLite's single-writer model serving as the concrete
// "single serializable transaction or equivalent row-locking primitive"
// spec.md §4.2 calls for.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/vulcan-ci/vulcan/internal/model"
)

// ErrNotFound is returned when a chain, fragment, or worker lookup by
// id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict names a failed precondition on current state. No Store
// method returns it: ReportResult reports a result for a fragment no
// longer assigned to the reporter as ok=false with a nil error, the
// idempotent no-op spec.md §7 describes.
var ErrConflict = errors.New("store: conflict")

// Config configures Open.
type Config struct {
	// Path is the SQLite database file path, or ":memory:" for tests.
	Path     string
	PoolSize int
	Logger   *slog.Logger
}

// Store is the persistent state store. Safe for concurrent use.
type Store struct {
	pool   *pool
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at cfg.Path and
// ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p, err := openPool(poolConfig{Path: cfg.Path, PoolSize: cfg.PoolSize, Logger: logger})
	if err != nil {
		return nil, err
	}

	conn, err := p.Take(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}
	schemaErr := ensureSchema(conn)
	p.Put(conn)
	if schemaErr != nil {
		p.Close()
		return nil, schemaErr
	}

	return &Store{pool: p, logger: logger}, nil
}

// Close releases the store's connection pool.
func (s *Store) Close() error { return s.pool.Close() }

// withConn borrows a connection for the duration of fn.
func (s *Store) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// withImmediateTx runs fn inside a BEGIN IMMEDIATE/COMMIT transaction,
// rolling back on any error fn returns. BEGIN IMMEDIATE acquires the
// write lock up front, giving dispatch/report/sweep operations the
// serialized, all-or-nothing semantics spec.md §4.2 and §5 require.
func (s *Store) withImmediateTx(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.ExecuteTransient(conn, "BEGIN IMMEDIATE", nil); err != nil {
			return fmt.Errorf("store: begin immediate: %w", err)
		}
		if err := fn(conn); err != nil {
			if rbErr := sqlitex.ExecuteTransient(conn, "ROLLBACK", nil); rbErr != nil {
				s.logger.Error("store: rollback failed", "error", rbErr)
			}
			return err
		}
		if err := sqlitex.ExecuteTransient(conn, "COMMIT", nil); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	})
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func optionalTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func millisToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func optionalMillisToTime(hasValue bool, ms int64) *time.Time {
	if !hasValue {
		return nil
	}
	t := millisToTime(ms)
	return &t
}

func parentKey(parentID *string) string {
	if parentID == nil {
		return ""
	}
	return *parentID
}

// CreateChain atomically inserts chain and every fragment in frags.
// This is the sole insertion path from internal/compiler's output into
// the store, and is the "atomic insertion" spec.md §4.1 requires of the
// compiler's output.
func (s *Store) CreateChain(ctx context.Context, chain *model.Chain, frags []*model.Fragment) error {
	return s.withImmediateTx(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, `
			INSERT INTO chains (
				id, tenant_id, status, attempt, source_path, repository_url,
				commit_sha, branch, trigger_kind, trigger_ref, default_machine,
				created_at, updated_at, started_at, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				chain.ID, chain.TenantID, string(chain.Status), int64(chain.Attempt),
				chain.SourcePath, chain.RepositoryURL, chain.CommitSHA, chain.Branch,
				string(chain.TriggerKind), chain.TriggerRef, chain.DefaultMachine,
				timeToMillis(chain.CreatedAt), timeToMillis(chain.UpdatedAt),
				optionalTimeArg(chain.StartedAt), optionalTimeArg(chain.CompletedAt),
			}})
		if err != nil {
			return fmt.Errorf("store: inserting chain: %w", err)
		}

		for _, f := range frags {
			if err := insertFragment(conn, f); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertFragment(conn *sqlite.Conn, f *model.Fragment) error {
	var exitCode any
	if f.ExitCode != nil {
		exitCode = int64(*f.ExitCode)
	}
	var assignedWorker any
	if f.AssignedWorkerID != nil {
		assignedWorker = *f.AssignedWorkerID
	}

	err := sqlitex.Execute(conn, `
		INSERT INTO fragments (
			id, chain_id, parent_fragment_id, parent_key, sequence, kind,
			run_script, machine, is_parallel, condition, source_url, status,
			assigned_worker_id, started_at, completed_at, exit_code,
			error_message, attempt
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			f.ID, f.ChainID, nilableString(f.ParentFragmentID), parentKey(f.ParentFragmentID),
			int64(f.Sequence), string(f.Kind), f.RunScript, f.Machine, boolToInt(f.IsParallel),
			f.Condition, f.SourceURL, string(f.Status), assignedWorker,
			optionalTimeArg(f.StartedAt), optionalTimeArg(f.CompletedAt), exitCode,
			f.ErrorMessage, int64(f.Attempt),
		}})
	if err != nil {
		return fmt.Errorf("store: inserting fragment %s: %w", f.ID, err)
	}
	return nil
}

func nilableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// GetChain returns the chain with the given id, or ErrNotFound.
func (s *Store) GetChain(ctx context.Context, id string) (*model.Chain, error) {
	var chain *model.Chain
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		c, err := queryChain(conn, id)
		if err != nil {
			return err
		}
		chain = c
		return nil
	})
	return chain, err
}

func queryChain(conn *sqlite.Conn, id string) (*model.Chain, error) {
	var chain *model.Chain
	err := sqlitex.Execute(conn, `SELECT id, tenant_id, status, attempt, source_path,
		repository_url, commit_sha, branch, trigger_kind, trigger_ref, default_machine,
		created_at, updated_at, started_at, completed_at
		FROM chains WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				chain = scanChain(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: querying chain %s: %w", id, err)
	}
	if chain == nil {
		return nil, ErrNotFound
	}
	return chain, nil
}

func scanChain(stmt *sqlite.Stmt) *model.Chain {
	c := &model.Chain{
		ID:             stmt.ColumnText(0),
		TenantID:       stmt.ColumnText(1),
		Status:         model.ChainStatus(stmt.ColumnText(2)),
		Attempt:        int(stmt.ColumnInt64(3)),
		SourcePath:     stmt.ColumnText(4),
		RepositoryURL:  stmt.ColumnText(5),
		CommitSHA:      stmt.ColumnText(6),
		Branch:         stmt.ColumnText(7),
		TriggerKind:    model.TriggerKind(stmt.ColumnText(8)),
		TriggerRef:     stmt.ColumnText(9),
		DefaultMachine: stmt.ColumnText(10),
		CreatedAt:      millisToTime(stmt.ColumnInt64(11)),
		UpdatedAt:      millisToTime(stmt.ColumnInt64(12)),
	}
	if stmt.ColumnType(13) != sqlite.TypeNull {
		c.StartedAt = optionalMillisToTime(true, stmt.ColumnInt64(13))
	}
	if stmt.ColumnType(14) != sqlite.TypeNull {
		c.CompletedAt = optionalMillisToTime(true, stmt.ColumnInt64(14))
	}
	return c
}

// ListFragments returns every fragment belonging to chainID, ordered by
// parent then sequence (a valid pre-order-compatible listing, though
// not necessarily identical ordering to the compiler's own output).
func (s *Store) ListFragments(ctx context.Context, chainID string) ([]*model.Fragment, error) {
	var frags []*model.Fragment
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, fragmentSelectColumns+` FROM fragments WHERE chain_id = ?
			ORDER BY parent_key, sequence`,
			&sqlitex.ExecOptions{
				Args: []any{chainID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					frags = append(frags, scanFragment(stmt))
					return nil
				},
			})
	})
	return frags, err
}

// GetFragment returns the fragment with the given id, or ErrNotFound.
func (s *Store) GetFragment(ctx context.Context, id string) (*model.Fragment, error) {
	var frag *model.Fragment
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		f, err := queryFragment(conn, id)
		if err != nil {
			return err
		}
		frag = f
		return nil
	})
	return frag, err
}

const fragmentSelectColumns = `SELECT id, chain_id, parent_fragment_id, sequence, kind,
	run_script, machine, is_parallel, condition, source_url, status,
	assigned_worker_id, started_at, completed_at, exit_code, error_message, attempt`

func queryFragment(conn *sqlite.Conn, id string) (*model.Fragment, error) {
	var frag *model.Fragment
	err := sqlitex.Execute(conn, fragmentSelectColumns+` FROM fragments WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				frag = scanFragment(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: querying fragment %s: %w", id, err)
	}
	if frag == nil {
		return nil, ErrNotFound
	}
	return frag, nil
}

func scanFragment(stmt *sqlite.Stmt) *model.Fragment {
	f := &model.Fragment{
		ID:           stmt.ColumnText(0),
		ChainID:      stmt.ColumnText(1),
		Sequence:     int(stmt.ColumnInt64(3)),
		Kind:         model.FragmentKind(stmt.ColumnText(4)),
		RunScript:    stmt.ColumnText(5),
		Machine:      stmt.ColumnText(6),
		IsParallel:   stmt.ColumnInt64(7) != 0,
		Condition:    stmt.ColumnText(8),
		SourceURL:    stmt.ColumnText(9),
		Status:       model.FragmentStatus(stmt.ColumnText(10)),
		ErrorMessage: stmt.ColumnText(15),
		Attempt:      int(stmt.ColumnInt64(16)),
	}
	if stmt.ColumnType(2) != sqlite.TypeNull {
		v := stmt.ColumnText(2)
		f.ParentFragmentID = &v
	}
	if stmt.ColumnType(11) != sqlite.TypeNull {
		v := stmt.ColumnText(11)
		f.AssignedWorkerID = &v
	}
	if stmt.ColumnType(12) != sqlite.TypeNull {
		f.StartedAt = optionalMillisToTime(true, stmt.ColumnInt64(12))
	}
	if stmt.ColumnType(13) != sqlite.TypeNull {
		f.CompletedAt = optionalMillisToTime(true, stmt.ColumnInt64(13))
	}
	if stmt.ColumnType(14) != sqlite.TypeNull {
		v := int(stmt.ColumnInt64(14))
		f.ExitCode = &v
	}
	return f
}
