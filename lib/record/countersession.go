// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"

	"github.com/weave-foundation/weave/lib/hash"
)

// CounterSession is the session data embedded in a countersigned
// entry. It binds every signer's chain state at the moment of
// acceptance, so the one shared action carries enough information for
// each signer's chain integrity to be independently verified.
type CounterSession struct {
	// Fingerprint commits the signers to the exact action content
	// agreed in the preflight: the hash of the canonical encoding of
	// the intended entry bytes and entry type.
	Fingerprint hash.Hash `cbor:"fingerprint"`

	// Start and End bound the session window in Unix microseconds.
	// Every acceptance, commit, and abandonment decision is made
	// against this window.
	Start int64 `cbor:"start"`
	End   int64 `cbor:"end"`

	// Signers lists every participating agent in canonical order.
	Signers []SessionSigner `cbor:"signers"`

	// Enzyme is the index into Signers of the designated signer whose
	// signature seals the session, or -1 when the session has none.
	Enzyme int `cbor:"enzyme"`

	// Responses holds each signer's preflight response, in Signers
	// order. Populated by the initiator after collection; empty in
	// the preflight request.
	Responses []PreflightResponse `cbor:"responses,omitempty"`
}

// SessionSigner is one participant in a countersigning session.
type SessionSigner struct {
	Agent hash.Hash `cbor:"agent"`

	// Optional indicates the signer's role: optional signers may be
	// absent from the final bundle without invalidating it.
	Optional bool `cbor:"optional,omitempty"`
}

// PreflightResponse is a signer's acceptance of a session: its chain
// state at lock time, signed by the signer. The signature covers the
// canonical encoding of the session fingerprint, window, and the
// response's own chain fields.
type PreflightResponse struct {
	Signer    int       `cbor:"signer"` // index into Signers
	PriorHead hash.Hash `cbor:"prior_head"`
	PriorSeq  uint32    `cbor:"prior_seq"`
	Signature []byte    `cbor:"signature"`
}

// SignerIndex returns the index of agent in the session's signer list,
// or -1 if absent.
func (s *CounterSession) SignerIndex(agent hash.Hash) int {
	for i, signer := range s.Signers {
		if signer.Agent == agent {
			return i
		}
	}
	return -1
}

// ResponseFor returns the preflight response of the signer at the
// given index.
func (s *CounterSession) ResponseFor(index int) (PreflightResponse, error) {
	for _, response := range s.Responses {
		if response.Signer == index {
			return response, nil
		}
	}
	return PreflightResponse{}, fmt.Errorf("record: no preflight response for signer %d", index)
}

// CheckShape verifies basic session well-formedness independent of
// signatures: a sane window, at least two signers, a valid enzyme
// index, and responses referencing known signers.
func (s *CounterSession) CheckShape() error {
	if s.End <= s.Start {
		return fmt.Errorf("record: session window end %d not after start %d", s.End, s.Start)
	}
	if len(s.Signers) < 2 {
		return fmt.Errorf("record: session has %d signers, want at least 2", len(s.Signers))
	}
	if s.Enzyme < -1 || s.Enzyme >= len(s.Signers) {
		return fmt.Errorf("record: enzyme index %d out of range", s.Enzyme)
	}
	seen := make(map[hash.Hash]bool, len(s.Signers))
	for _, signer := range s.Signers {
		if seen[signer.Agent] {
			return fmt.Errorf("record: duplicate signer %s", signer.Agent)
		}
		seen[signer.Agent] = true
	}
	for _, response := range s.Responses {
		if response.Signer < 0 || response.Signer >= len(s.Signers) {
			return fmt.Errorf("record: response references signer %d out of range", response.Signer)
		}
	}
	return nil
}
