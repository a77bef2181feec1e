// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package record defines the data model of an agent's journal: entries
// (content), actions (the hash-linked units written to the chain),
// signed actions, and records (an action paired with its entry).
//
// Actions form a discriminated sum: one payload struct per variant
// hanging off a single Action struct with a type discriminator. The
// structural rules — which variants carry entries, which reference
// prior actions — live here so that the journal, the validation
// pipeline, and the op engine all enforce the same shape.
//
// Everything in this package hashes and signs over canonical CBOR
// (lib/codec), so an action's identity is stable across agents.
package record
