// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch resolves missing DHT data from peers. Validation
// parks an op when a dependency is not held locally and hands the
// missing hash to the pool; a bounded set of workers asks the
// authorities claiming coverage, writes what arrives into the network
// cache store, and notifies the workflows so parked ops get another
// attempt.
//
// Requests are deduplicated while in flight, recently fetched hashes
// are suppressed, and peers that fail accrue exponential backoff in
// the peer-meta store.
package fetch
