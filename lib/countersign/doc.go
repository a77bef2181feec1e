// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package countersign runs the multi-agent atomic commit protocol.
//
// An initiator proposes a session: the exact entry content, the signer
// set, and a time window. Each signer accepts by locking its own chain
// and returning a signed preflight response pinning its chain tip. The
// initiator assembles the responses into a bundle; every signer
// verifies the bundle independently and commits the one shared action
// to its own chain. A session that does not complete before the window
// closes is abandoned and the chain unlocked — no signer is left
// holding a partial commit.
package countersign
