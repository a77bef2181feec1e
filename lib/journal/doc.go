// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal is the per-cell append pipeline: it turns action
// builders into signed records on the agent's source chain.
//
// Append fills in the chain-positional fields (author, sequence,
// prev hash, timestamp), signs through the keystore, and writes the
// records in one store transaction. The chain is append-only; the
// head advances only through this package, and sequence numbers are
// contiguous from 0.
//
// A chain enters a locked state when a countersigning session is
// accepted. While locked, only the session's pre-committed action
// (or the abandon entry after the session window passes) may commit.
package journal
