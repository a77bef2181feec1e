// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/sqlitepool"
)

// Kind names the purpose of a store instance. Each kind gets its own
// database file and its own slice of the schema.
type Kind string

const (
	// Authored holds the local agent's own chain and the ops
	// projected from it.
	Authored Kind = "authored"

	// DHT holds ops received from peers and their validation state.
	DHT Kind = "dht"

	// Cache holds records fetched from peers during validation and
	// on behalf of get calls.
	Cache Kind = "cache"

	// Conductor holds conductor-wide state: the app registry and
	// cell roster.
	Conductor Kind = "conductor"

	// Wasm holds compute module bytecode, compressed at rest.
	Wasm Kind = "wasm"

	// PeerMeta holds peer addresses, storage arcs, and contact
	// bookkeeping.
	PeerMeta Kind = "peermeta"
)

// Change names a facet of the store a transaction touched. Post-commit
// hooks receive the set of changes so workflow triggers fire only for
// work that exists.
type Change string

const (
	ChangeActions   Change = "actions"
	ChangeOps       Change = "ops"
	ChangeLinks     Change = "links"
	ChangeReceipts  Change = "receipts"
	ChangeScheduled Change = "scheduled"
	ChangePeers     Change = "peers"
	ChangeApps      Change = "apps"
)

// ChangeSet is the facets one committed transaction touched.
type ChangeSet map[Change]bool

// Has reports whether the set contains the change.
func (cs ChangeSet) Has(change Change) bool { return cs[change] }

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the database file. Required.
	Path string

	// Kind selects the schema. Required.
	Kind Kind

	// Clock provides timestamps for bookkeeping columns. Defaults to
	// the real clock.
	Clock clock.Clock

	// Logger receives operational messages. Nil discards them.
	Logger *slog.Logger
}

// Store is one open database. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	kind   Kind
	clock  clock.Clock
	logger *slog.Logger

	// writePermit serializes writers. WriteTx holds it for the
	// duration of the transaction.
	writePermit chan struct{}

	hookMu sync.Mutex
	hooks  []func(ChangeSet)
}

// Open opens (creating if needed) the database and migrates its
// schema forward. The caller must Close the store.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	if cfg.Kind == "" {
		return nil, fmt.Errorf("store: Kind is required")
	}
	migrations, ok := schemas[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("store: unknown kind %q", cfg.Kind)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   cfg.Path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return migrate(conn, migrations)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	s := &Store{
		pool:        pool,
		kind:        cfg.Kind,
		clock:       clk,
		logger:      logger.With("component", "store", "kind", string(cfg.Kind)),
		writePermit: make(chan struct{}, 1),
	}
	s.writePermit <- struct{}{}
	return s, nil
}

// Kind returns the store's purpose.
func (s *Store) Kind() Kind { return s.kind }

// Close closes the pool. In-flight transactions finish first.
func (s *Store) Close() error {
	return s.pool.Close()
}

// OnCommit registers a post-commit hook. Hooks run synchronously, in
// registration order, after every successful WriteTx, with the set of
// facets that transaction changed. Hooks must not write to the store
// from the same goroutine (fire a trigger instead).
func (s *Store) OnCommit(hook func(ChangeSet)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Tx is one write transaction. All mutation methods hang off it;
// they take effect atomically when the WriteTx callback returns nil.
type Tx struct {
	conn    *sqlite.Conn
	store   *Store
	changes ChangeSet
}

func (tx *Tx) note(change Change) {
	tx.changes[change] = true
}

// WriteTx runs fn inside the single write transaction. It acquires
// the write permit (bounded by ctx), opens an IMMEDIATE transaction,
// and commits when fn returns nil. On error everything rolls back and
// no hooks fire.
func (s *Store) WriteTx(ctx context.Context, fn func(tx *Tx) error) error {
	select {
	case <-s.writePermit:
	case <-ctx.Done():
		return fmt.Errorf("store: acquiring write permit: %w", ctx.Err())
	}
	defer func() { s.writePermit <- struct{}{} }()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)

	tx := &Tx{conn: conn, store: s, changes: make(ChangeSet)}

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	err = fn(tx)
	endTransaction(&err)
	if err != nil {
		return err
	}

	if len(tx.changes) > 0 {
		s.hookMu.Lock()
		hooks := append([]func(ChangeSet){}, s.hooks...)
		s.hookMu.Unlock()
		for _, hook := range hooks {
			hook(tx.changes)
		}
	}
	return nil
}

// read borrows a connection for a query closure.
func (s *Store) read(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// migrate walks the database forward through the migration list using
// PRAGMA user_version. Migration is one-way: a database newer than
// the binary is refused. The whole walk runs in one IMMEDIATE
// transaction so concurrent connections cannot interleave.
func migrate(conn *sqlite.Conn, migrations []string) (err error) {
	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin migration: %w", err)
	}
	defer endTransaction(&err)

	var version int64
	err = sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("store: reading user_version: %w", err)
	}
	if version > int64(len(migrations)) {
		return fmt.Errorf("store: database at schema version %d, binary supports %d", version, len(migrations))
	}

	for next := version; next < int64(len(migrations)); next++ {
		if err := sqlitex.ExecuteScript(conn, migrations[next], nil); err != nil {
			return fmt.Errorf("store: applying schema version %d: %w", next+1, err)
		}
		pragma := fmt.Sprintf("PRAGMA user_version = %d", next+1)
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}
