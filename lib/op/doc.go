// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package op projects journal records into DHT operations: directed
// replication facts, each targeting one basis address and carrying
// exactly the data that basis authority needs to independently verify
// the record.
//
// The projection is deterministic — two agents projecting the same
// record produce the same op set, so op hashes are stable identifiers
// across the network.
package op
