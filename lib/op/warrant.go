// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package op

import (
	"crypto/ed25519"
	"fmt"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
)

// Warrant is a signed accusation that a named agent authored invalid
// data. Warrants are produced when validation rejects an op, persisted
// alongside ops, and gossiped so peers learn of malfeasant authors.
//
// Recipients record warrants as evidence; the only automatic
// enforcement is local — a warrant naming the local agent disables
// that cell.
type Warrant struct {
	// Accused is the author of the invalid data.
	Accused hash.Hash `cbor:"accused"`

	// OpHash identifies the op that failed validation.
	OpHash hash.Hash `cbor:"op_hash"`

	// Reason is the validation failure, stated for humans.
	Reason string `cbor:"reason"`

	// Timestamp is when the issuer rejected the op, Unix microseconds.
	Timestamp int64 `cbor:"timestamp"`

	// Issuer is the validating agent making the accusation.
	Issuer hash.Hash `cbor:"issuer"`

	// Signature is the issuer's signature over the warrant body.
	Signature []byte `cbor:"signature,omitempty"`
}

// SigningBytes returns the canonical bytes the issuer signs: the
// warrant with its signature field cleared.
func (w *Warrant) SigningBytes() ([]byte, error) {
	unsigned := *w
	unsigned.Signature = nil
	data, err := codec.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("op: marshaling warrant: %w", err)
	}
	return data, nil
}

// Hash computes the warrant's content address. Warrants are op-like
// artifacts and share the op address space.
func (w *Warrant) Hash() (hash.Hash, error) {
	data, err := codec.Marshal(w)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("op: marshaling warrant: %w", err)
	}
	return hash.Sum(hash.Op, data), nil
}

// Verify checks the issuer's signature using the key embedded in the
// issuer address.
func (w *Warrant) Verify() error {
	data, err := w.SigningBytes()
	if err != nil {
		return err
	}
	key := ed25519.PublicKey(w.Issuer.AgentKey())
	if !ed25519.Verify(key, data, w.Signature) {
		return fmt.Errorf("op: warrant signature does not verify against issuer %s", w.Issuer)
	}
	return nil
}
