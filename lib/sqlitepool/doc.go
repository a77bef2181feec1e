// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool every Weave
// store is built on.
//
// It wraps zombiezen.com/go/sqlite with the pragmas a conductor
// needs: WAL journal mode so op integration writes never block
// journal reads, NORMAL synchronous for process-crash durability
// without fsync-per-commit cost, a busy timeout to ride out write
// contention between workflows, and memory-mapped reads for query
// performance.
//
// Callers [Pool.Take] a connection, work, and [Pool.Put] it back.
// Connections are not safe for concurrent use; each goroutine holds
// its own for the duration of its work. Writes go through
// sqlitex.ImmediateTransaction on a single connection at a time —
// the store layer enforces that with its write permit, not this
// package.
//
// The package is deliberately thin. It applies pragmas, runs the
// per-connection setup hook, and exposes zombiezen types directly:
// stores write SQL, use sqlitex.Execute for cached statements, and
// manage their own schema migration via PRAGMA user_version.
package sqlitepool
