// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package op

import (
	"crypto/ed25519"
	"fmt"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
)

// Status is the outcome a validator attests to in a receipt.
type Status string

const (
	StatusValid     Status = "valid"
	StatusRejected  Status = "rejected"
	StatusAbandoned Status = "abandoned"
)

// Receipt is a validator's signed attestation that it processed an op
// to a terminal state. Authors collect receipts as evidence of DHT
// uptake; the publish workflow stops pushing an op once enough have
// arrived.
type Receipt struct {
	// OpHash is the op attested to.
	OpHash hash.Hash `cbor:"op_hash"`

	// Validator is the attesting agent.
	Validator hash.Hash `cbor:"validator"`

	// Status is the terminal outcome the validator reached.
	Status Status `cbor:"status"`

	// Timestamp is when validation finished, Unix microseconds.
	Timestamp int64 `cbor:"timestamp"`

	// Signature is the validator's signature over the receipt body.
	Signature []byte `cbor:"signature,omitempty"`
}

// SigningBytes returns the canonical bytes the validator signs: the
// receipt with its signature cleared.
func (r *Receipt) SigningBytes() ([]byte, error) {
	unsigned := *r
	unsigned.Signature = nil
	data, err := codec.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("op: marshaling receipt: %w", err)
	}
	return data, nil
}

// Verify checks the validator's signature using the key embedded in
// the validator address.
func (r *Receipt) Verify() error {
	data, err := r.SigningBytes()
	if err != nil {
		return err
	}
	key := ed25519.PublicKey(r.Validator.AgentKey())
	if !ed25519.Verify(key, data, r.Signature) {
		return fmt.Errorf("op: receipt signature does not verify against validator %s", r.Validator)
	}
	return nil
}
