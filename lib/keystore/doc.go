// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package keystore manages agent signing keys for a conductor.
//
// Each agent address embeds an ed25519 public key; the keystore holds
// the corresponding seeds and performs all signing on the agent's
// behalf. Seeds never leave the keystore: they live in mmap-locked
// buffers (lib/secret) while in memory and in a single age-encrypted
// file at rest, sealed under a scrypt recipient derived from the
// conductor passphrase.
//
// Signing requests for one agent are serviced serially by a dedicated
// worker, so concurrent callers observe a total order of signatures
// per key. Requests for distinct agents proceed in parallel.
//
// The keystore also owns the x25519 box keypairs backing the
// encrypted-messaging host functions, and provides ephemeral signing
// and cryptographic randomness for compute modules.
package keystore
