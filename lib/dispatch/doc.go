// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes function calls into cells. A call is
// authorized against the cell's capability grants, handed to the
// module over a snapshot of the chain head, checked against the app's
// declared types, and committed atomically. A commit that loses the
// race for the chain tip re-invokes the module over the new head
// rather than committing writes built against a stale one.
package dispatch
