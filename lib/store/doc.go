// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the durable content store backing every cell: all
// local records, all ops (authored and received), per-op validation
// state, link indices, scheduled functions, validation receipts, and
// peer metadata.
//
// A conductor opens one Store per (kind, app, agent) tuple — see
// [Kind]. Each store is one SQLite database managed through
// lib/sqlitepool, migrated forward with PRAGMA user_version.
//
// The store is the single synchronization point between workflows.
// Writes go through [Store.WriteTx]: one writer at a time holds the
// write permit, groups its mutations into an IMMEDIATE transaction,
// and commits atomically. After a successful commit the store invokes
// registered post-commit hooks with the set of facets the transaction
// touched; workflow triggers subscribe there. Readers take their own
// connections and see consistent snapshots.
package store
