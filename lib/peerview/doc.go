// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package peerview is the agent's model of who holds what: each peer
// claims an arc of the uint32 location ring, and every basis address
// maps to a ring location via its hash trailer. The view answers
// "which peers are authorities for this address" for the publish and
// fetch workflows, and "am I an authority" for incoming ops.
package peerview
