// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package hash implements Weave content addresses: 39-byte values
// combining a 3-byte type prefix, a 32-byte BLAKE2b-256 digest of the
// addressed content, and a 4-byte location trailer used for DHT
// partitioning.
//
// The location trailer is a cache derived from the digest, not part of
// the identity — equality of the full 39 bytes is equality of the
// hash, and parsers reject any encoding whose trailer does not match a
// recomputation from the digest.
package hash
