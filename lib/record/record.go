// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"crypto/ed25519"
	"fmt"

	"github.com/weave-foundation/weave/lib/hash"
)

// SignedAction pairs an action with its author's ed25519 signature
// over the action's canonical encoding. The signature is outside the
// hashed bytes, so the action hash is signature-independent — for a
// countersigned action, every signer's chain holds the same action
// hash with its own signature.
type SignedAction struct {
	Action    Action `cbor:"action"`
	Signature []byte `cbor:"signature"`
}

// Verify checks the signature against the given public key. For
// ordinary actions the key is the author's; countersigned actions are
// verified per-signer by the countersigning machinery.
func (s *SignedAction) Verify(publicKey ed25519.PublicKey) error {
	data, err := s.Action.SigningBytes()
	if err != nil {
		return err
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("record: verifying key is %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}
	if !ed25519.Verify(publicKey, data, s.Signature) {
		return fmt.Errorf("record: signature does not verify against author key")
	}
	return nil
}

// VerifyAuthor checks the signature against the key embedded in the
// action's author address.
func (s *SignedAction) VerifyAuthor() error {
	return s.Verify(ed25519.PublicKey(s.Action.Author.AgentKey()))
}

// Record is the unit the journal produces and the DHT replicates: a
// signed action plus the entry it carries, when it carries one and the
// holder is entitled to it.
type Record struct {
	SignedAction SignedAction `cbor:"signed_action"`
	Entry        *Entry       `cbor:"entry,omitempty"`
}

// ActionHash returns the record's action address.
func (r *Record) ActionHash() (hash.Hash, error) {
	return r.SignedAction.Action.Hash()
}

// CheckShape verifies record-level structural agreement: the action's
// shape, the entry-presence rule (an entry-carrying action must be
// paired with an entry whose hash matches the declaration; any other
// action must not carry one), and the entry's own shape.
//
// A record for a private entry held by a non-author legitimately has
// Entry == nil even for an entry-carrying action; callers that require
// the entry (the journal at append time) use RequireEntry.
func (r *Record) CheckShape() error {
	if err := r.SignedAction.Action.CheckShape(); err != nil {
		return err
	}

	ref, carries := r.SignedAction.Action.EntryRef()
	if !carries && r.Entry != nil {
		return fmt.Errorf("record: action type %q must not carry an entry", r.SignedAction.Action.Type)
	}
	if r.Entry == nil {
		return nil
	}

	if err := r.Entry.CheckShape(); err != nil {
		return err
	}
	if r.Entry.Kind != ref.EntryKind {
		return fmt.Errorf("record: entry kind %q does not match declared %q", r.Entry.Kind, ref.EntryKind)
	}
	entryHash, err := r.Entry.Hash()
	if err != nil {
		return err
	}
	if entryHash != ref.EntryHash {
		return fmt.Errorf("record: entry hashes to %s, action declares %s", entryHash, ref.EntryHash)
	}
	return nil
}

// RequireEntry enforces the author-side rule: an entry-carrying action
// must be stored with its entry bytes.
func (r *Record) RequireEntry() error {
	if r.SignedAction.Action.CarriesEntry() && r.Entry == nil {
		return fmt.Errorf("record: action type %q requires an entry", r.SignedAction.Action.Type)
	}
	return r.CheckShape()
}
