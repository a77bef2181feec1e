// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
)

// Visibility controls whether an entry's content is projected onto the
// DHT or held only on its author's chain.
type Visibility string

const (
	// Public entries are served from the entry basis by DHT
	// authorities.
	Public Visibility = "public"

	// Private entries never leave the author's chain; only
	// action-addressed ops are produced for them.
	Private Visibility = "private"
)

// EntryKind discriminates the entry sum type.
type EntryKind string

const (
	// KindAgent is the agent-identity entry written during genesis; it
	// contains the agent's public key.
	KindAgent EntryKind = "agent"

	// KindApp is an application-defined entry: opaque bytes with a
	// type tag declared by an integrity module.
	KindApp EntryKind = "app"

	// KindCapGrant records a capability grant on the granting agent's
	// chain. Always private.
	KindCapGrant EntryKind = "cap_grant"

	// KindCapClaim records a received capability on the claiming
	// agent's chain. Always private.
	KindCapClaim EntryKind = "cap_claim"

	// KindCountersigned wraps application bytes together with the
	// session data binding every signer of a countersigning session.
	KindCountersigned EntryKind = "countersigned"
)

// AppEntryType identifies an application entry definition: which
// integrity module declared it and at which index, plus the declared
// visibility.
type AppEntryType struct {
	ZomeIndex  uint8      `cbor:"zome_index"`
	EntryIndex uint8      `cbor:"entry_index"`
	Visibility Visibility `cbor:"visibility"`
}

// CapGrantPayload is the content of a capability-grant entry. The
// secret is stored raw here — the entry is private and never leaves
// the granting agent's chain; authorization checks compare keyed
// digests, not raw bytes (lib/capability).
type CapGrantPayload struct {
	Tag    string   `cbor:"tag"`
	Access CapAccess `cbor:"access"`
	// Functions lists the (zome, function) pairs the grant covers.
	Functions []FunctionRef `cbor:"functions"`
}

// CapAccessMode enumerates the grant access modes.
type CapAccessMode string

const (
	// AccessUnrestricted requires no secret. Only ever created for
	// functions explicitly tagged public.
	AccessUnrestricted CapAccessMode = "unrestricted"

	// AccessTransferable requires the secret; any caller presenting
	// it is authorized.
	AccessTransferable CapAccessMode = "transferable"

	// AccessAssigned requires the secret and a provenance signature
	// from one of the named assignees.
	AccessAssigned CapAccessMode = "assigned"
)

// CapAccess is the access mode of a grant plus its mode-specific
// material.
type CapAccess struct {
	Mode      CapAccessMode `cbor:"mode"`
	Secret    []byte        `cbor:"secret,omitempty"`
	Assignees []hash.Hash   `cbor:"assignees,omitempty"`
}

// FunctionRef names one callable function within a cell.
type FunctionRef struct {
	Zome     string `cbor:"zome"`
	Function string `cbor:"function"`
}

// CapClaimPayload is the content of a capability-claim entry: the
// counterpart an authorized caller records after receiving a secret
// out-of-band.
type CapClaimPayload struct {
	Tag     string    `cbor:"tag"`
	Grantor hash.Hash `cbor:"grantor"`
	Secret  []byte    `cbor:"secret"`
}

// Entry is the content addressed by an action. Exactly one variant
// field is populated, matching Kind.
type Entry struct {
	Kind EntryKind `cbor:"kind"`

	// AgentKey is the 32-byte public key for KindAgent entries.
	AgentKey []byte `cbor:"agent_key,omitempty"`

	// App carries the opaque application bytes for KindApp and the
	// declared entry type.
	App *AppEntry `cbor:"app,omitempty"`

	CapGrant *CapGrantPayload `cbor:"cap_grant,omitempty"`
	CapClaim *CapClaimPayload `cbor:"cap_claim,omitempty"`

	// Countersigned binds application bytes to a countersigning
	// session for KindCountersigned entries.
	Countersigned *CountersignedEntry `cbor:"countersigned,omitempty"`
}

// AppEntry is application-defined content: opaque bytes plus the
// declaring entry type.
type AppEntry struct {
	Type  AppEntryType `cbor:"type"`
	Bytes []byte       `cbor:"bytes"`
}

// CountersignedEntry is the shared content of a countersigning
// session: the session itself plus the application bytes all signers
// agreed on.
type CountersignedEntry struct {
	Session CounterSession `cbor:"session"`
	Bytes   []byte         `cbor:"bytes"`
}

// Visibility returns the projection visibility of the entry. Grants
// and claims are always private; everything else is public unless the
// app entry type declares otherwise.
func (e *Entry) Visibility() Visibility {
	switch e.Kind {
	case KindCapGrant, KindCapClaim:
		return Private
	case KindApp:
		return e.App.Type.Visibility
	default:
		return Public
	}
}

// Hash computes the entry's content address over canonical CBOR.
// Agent-identity entries hash to an agent address embedding the key,
// so the entry address of an agent IS the agent address.
func (e *Entry) Hash() (hash.Hash, error) {
	if e.Kind == KindAgent {
		return hash.FromAgentKey(e.AgentKey)
	}
	data, err := codec.Marshal(e)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("record: marshaling entry: %w", err)
	}
	return hash.Sum(hash.Entry, data), nil
}

// CheckShape verifies that exactly the variant field matching Kind is
// populated.
func (e *Entry) CheckShape() error {
	populated := 0
	if e.AgentKey != nil {
		populated++
	}
	if e.App != nil {
		populated++
	}
	if e.CapGrant != nil {
		populated++
	}
	if e.CapClaim != nil {
		populated++
	}
	if e.Countersigned != nil {
		populated++
	}
	if populated != 1 {
		return fmt.Errorf("record: entry has %d variant payloads, want exactly 1", populated)
	}

	var ok bool
	switch e.Kind {
	case KindAgent:
		ok = e.AgentKey != nil
		if ok && len(e.AgentKey) != 32 {
			return fmt.Errorf("record: agent entry key is %d bytes, want 32", len(e.AgentKey))
		}
	case KindApp:
		ok = e.App != nil
	case KindCapGrant:
		ok = e.CapGrant != nil
	case KindCapClaim:
		ok = e.CapClaim != nil
	case KindCountersigned:
		ok = e.Countersigned != nil
	default:
		return fmt.Errorf("record: unknown entry kind %q", e.Kind)
	}
	if !ok {
		return fmt.Errorf("record: entry kind %q does not match populated payload", e.Kind)
	}
	return nil
}
