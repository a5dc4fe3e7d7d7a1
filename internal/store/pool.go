// Copyright 2026 The Vulcan Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// poolConfig holds the parameters for opening the store's SQLite
// connection pool.
type poolConfig struct {
	Path      string
	PoolSize  int
	Logger    *slog.Logger
	OnConnect func(conn *sqlite.Conn) error
}

type pool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// openPool opens a connection pool with Vulcan-standard pragmas applied
// to every connection: WAL mode, and — unlike the teacher's own
// sqlitepool, which sets foreign_keys=OFF — foreign keys ON, because
// the fragments/workers schema relies on ON DELETE CASCADE to keep a
// chain's fragments consistent (spec.md §6).
func openPool(cfg poolConfig) (*pool, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}
	path := cfg.Path
	if path == ":memory:" {
		// Each in-memory connection is an independent database; force
		// a single connection so every statement sees the same state.
		// The sqlite driver rejects the bare ":memory:" DSN outright
		// once a pool is involved, so use the shared-cache URI form
		// that lets a single-connection pool open it.
		poolSize = 1
		path = "file::memory:?mode=memory&cache=shared"
	}

	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn, cfg.OnConnect)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", poolSize)

	return &pool{inner: inner, logger: logger, path: cfg.Path}, nil
}

func (p *pool) Take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

func (p *pool) Put(conn *sqlite.Conn) { p.inner.Put(conn) }

func (p *pool) Close() error {
	if err := p.inner.Close(); err != nil {
		p.logger.Error("sqlite pool close error", "path", p.path, "error", err)
		return fmt.Errorf("store: closing %s: %w", p.path, err)
	}
	p.logger.Info("sqlite pool closed", "path", p.path)
	return nil
}

func prepareConnection(conn *sqlite.Conn, onConnect func(*sqlite.Conn) error) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-8192",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if onConnect != nil {
		if err := onConnect(conn); err != nil {
			return fmt.Errorf("store: OnConnect: %w", err)
		}
	}
	return nil
}
