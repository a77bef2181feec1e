// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package countersign

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/record"
)

var (
	// ErrAnotherSessionInProgress is returned when an acceptance
	// arrives while a different session holds this chain's lock.
	ErrAnotherSessionInProgress = errors.New("countersign: another session in progress")

	// ErrNotAParty is returned when this agent is not in the session's
	// signer list.
	ErrNotAParty = errors.New("countersign: agent is not a session signer")

	// ErrWindowClosed is returned when the session window has expired
	// (or not yet opened).
	ErrWindowClosed = errors.New("countersign: session window closed")

	// ErrBadBundle is returned when a session bundle fails
	// verification.
	ErrBadBundle = errors.New("countersign: invalid session bundle")
)

// PreflightRequest is the initiator's proposal: the session parameters
// plus the exact application bytes every signer will commit.
type PreflightRequest struct {
	Session record.CounterSession `cbor:"session"`
	Bytes   []byte                `cbor:"bytes"`
}

// NewRequest assembles a preflight request and stamps the session
// fingerprint. Window times are Unix microseconds.
func NewRequest(signers []record.SessionSigner, enzyme int, start, end int64, bytes []byte) (PreflightRequest, error) {
	session := record.CounterSession{
		Start:   start,
		End:     end,
		Signers: signers,
		Enzyme:  enzyme,
	}
	fingerprint, err := Fingerprint(session, bytes)
	if err != nil {
		return PreflightRequest{}, err
	}
	session.Fingerprint = fingerprint
	if err := session.CheckShape(); err != nil {
		return PreflightRequest{}, err
	}
	return PreflightRequest{Session: session, Bytes: bytes}, nil
}

// Fingerprint commits the signers to the session content: the
// canonical encoding of the window, signer list, enzyme, and agreed
// bytes. Responses and the fingerprint itself are excluded so every
// party computes the same value.
func Fingerprint(session record.CounterSession, bytes []byte) (hash.Hash, error) {
	session.Fingerprint = hash.Hash{}
	session.Responses = nil
	data, err := codec.Marshal(struct {
		Session record.CounterSession `cbor:"session"`
		Bytes   []byte                `cbor:"bytes"`
	}{session, bytes})
	if err != nil {
		return hash.Hash{}, fmt.Errorf("countersign: encoding session: %w", err)
	}
	return hash.Sum(hash.External, data), nil
}

// responseSigningBytes is what a signer's preflight signature covers:
// the session fingerprint and window bound to the signer's own chain
// state. The signature field itself is excluded.
func responseSigningBytes(session *record.CounterSession, response record.PreflightResponse) ([]byte, error) {
	data, err := codec.Marshal(struct {
		Fingerprint hash.Hash `cbor:"fingerprint"`
		Start       int64     `cbor:"start"`
		End         int64     `cbor:"end"`
		Signer      int       `cbor:"signer"`
		PriorHead   hash.Hash `cbor:"prior_head"`
		PriorSeq    uint32    `cbor:"prior_seq"`
	}{session.Fingerprint, session.Start, session.End, response.Signer, response.PriorHead, response.PriorSeq})
	if err != nil {
		return nil, fmt.Errorf("countersign: encoding response: %w", err)
	}
	return data, nil
}

// designatedIndex picks the signer whose identity authors the shared
// action: the enzyme when the session names one, otherwise the first
// signer.
func designatedIndex(session *record.CounterSession) int {
	if session.Enzyme >= 0 {
		return session.Enzyme
	}
	return 0
}

// SharedAction builds the one action every signer commits. All fields
// are derived deterministically from the session, so the action — and
// therefore its hash — is byte-identical on every chain: authored by
// the designated signer, timestamped at the window start, and placed
// outside any individual chain's ordering (seq zero, no prev).
func SharedAction(session record.CounterSession, bytes []byte) (record.Action, *record.Entry, error) {
	entry := &record.Entry{
		Kind: record.KindCountersigned,
		Countersigned: &record.CountersignedEntry{
			Session: session,
			Bytes:   bytes,
		},
	}
	builder := record.Builder{Type: record.TypeCreate, Entry: entry}
	return builder.Build(session.Signers[designatedIndex(&session)].Agent, session.Start, 0, hash.Hash{})
}

// Bundle assembles the initiator's collected responses into the entry
// every signer commits.
func Bundle(request PreflightRequest, responses []record.PreflightResponse) (*record.Entry, error) {
	session := request.Session
	session.Responses = responses
	entry := &record.Entry{
		Kind: record.KindCountersigned,
		Countersigned: &record.CountersignedEntry{
			Session: session,
			Bytes:   request.Bytes,
		},
	}
	if err := VerifyBundle(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// VerifyBundle checks a completed session bundle without reference to
// local state: shape, fingerprint integrity, a response from every
// required signer, and a valid signature on every response. Each
// signer runs this independently before committing.
func VerifyBundle(entry *record.Entry) error {
	if entry == nil || entry.Kind != record.KindCountersigned || entry.Countersigned == nil {
		return fmt.Errorf("%w: not a countersigned entry", ErrBadBundle)
	}
	session := &entry.Countersigned.Session
	if err := session.CheckShape(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBundle, err)
	}

	fingerprint, err := Fingerprint(*session, entry.Countersigned.Bytes)
	if err != nil {
		return err
	}
	if fingerprint != session.Fingerprint {
		return fmt.Errorf("%w: fingerprint does not match session content", ErrBadBundle)
	}

	for i, signer := range session.Signers {
		response, err := session.ResponseFor(i)
		if err != nil {
			if signer.Optional {
				continue
			}
			return fmt.Errorf("%w: required signer %s has no response", ErrBadBundle, signer.Agent)
		}
		data, err := responseSigningBytes(session, response)
		if err != nil {
			return err
		}
		public := ed25519.PublicKey(signer.Agent.AgentKey())
		if !ed25519.Verify(public, data, response.Signature) {
			return fmt.Errorf("%w: bad response signature from %s", ErrBadBundle, signer.Agent)
		}
	}
	return nil
}
