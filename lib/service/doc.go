// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the conductor's local request-reply
// protocol: CBOR over unix sockets, one request per connection, plus
// server-initiated streams for signal subscriptions. Access control is
// filesystem permissions on the socket path.
package service
