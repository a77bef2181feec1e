// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
)

// ActionType discriminates the action sum type.
type ActionType string

const (
	TypeDna             ActionType = "dna"
	TypeAgentValidation ActionType = "agent_validation"
	TypeCreate          ActionType = "create"
	TypeUpdate          ActionType = "update"
	TypeDelete          ActionType = "delete"
	TypeCreateLink      ActionType = "create_link"
	TypeDeleteLink      ActionType = "delete_link"
	TypeOpenChain       ActionType = "open_chain"
	TypeCloseChain      ActionType = "close_chain"
	TypeAbandonSession  ActionType = "abandon_session"
)

// DnaPayload binds a chain to an application identity. Only ever at
// sequence 0.
type DnaPayload struct {
	DnaHash hash.Hash `cbor:"dna_hash"`
}

// AgentValidationPayload registers the agent's own key at sequence 2.
// The membrane proof, when present, is application-defined admission
// evidence checked by app-validation.
type AgentValidationPayload struct {
	MembraneProof []byte `cbor:"membrane_proof,omitempty"`
}

// EntryRef is the declared entry of an entry-carrying action: the
// entry's address plus enough type information for an authority to
// route and validate without the entry bytes.
type EntryRef struct {
	EntryHash  hash.Hash    `cbor:"entry_hash"`
	EntryKind  EntryKind    `cbor:"entry_kind"`
	AppType    *AppEntryType `cbor:"app_type,omitempty"`
}

// Visibility returns the declared visibility of the referenced entry.
func (r EntryRef) Visibility() Visibility {
	switch r.EntryKind {
	case KindCapGrant, KindCapClaim:
		return Private
	case KindApp:
		if r.AppType != nil {
			return r.AppType.Visibility
		}
		return Private
	default:
		return Public
	}
}

// CreatePayload writes a new entry.
type CreatePayload struct {
	Entry EntryRef `cbor:"entry"`
}

// UpdatePayload replaces a prior entry, referencing both the original
// action and the original entry so fan-in ops can target each.
type UpdatePayload struct {
	Entry          EntryRef  `cbor:"entry"`
	OriginalAction hash.Hash `cbor:"original_action"`
	OriginalEntry  hash.Hash `cbor:"original_entry"`
}

// DeletePayload tombstones a prior create or update.
type DeletePayload struct {
	DeletesAction hash.Hash `cbor:"deletes_action"`
	DeletesEntry  hash.Hash `cbor:"deletes_entry"`
}

// CreateLinkPayload adds a tagged, typed directed edge.
type CreateLinkPayload struct {
	Base     hash.Hash `cbor:"base"`
	Target   hash.Hash `cbor:"target"`
	ZomeIndex uint8    `cbor:"zome_index"`
	LinkType uint8     `cbor:"link_type"`
	Tag      []byte    `cbor:"tag,omitempty"`
}

// DeleteLinkPayload tombstones a CreateLink.
type DeleteLinkPayload struct {
	// LinkAction is the CreateLink being removed.
	LinkAction hash.Hash `cbor:"link_action"`
	// Base repeats the link's base so the removal op can be routed
	// without fetching the original.
	Base hash.Hash `cbor:"base"`
}

// OpenChainPayload marks the start of a migrated chain, naming the
// predecessor application identity.
type OpenChainPayload struct {
	PrevDna hash.Hash `cbor:"prev_dna"`
}

// CloseChainPayload ends a chain, naming the successor application
// identity.
type CloseChainPayload struct {
	SuccessorDna hash.Hash `cbor:"successor_dna"`
}

// AbandonSessionPayload records that a countersigning session ended
// without a commit. The chain resumes from the pre-session head; the
// marker makes the outcome visible to activity authorities so a
// session cannot be silently retried against a moved head.
type AbandonSessionPayload struct {
	Session hash.Hash `cbor:"session"`
}

// Action is one unit of an agent's journal: common chain fields plus
// exactly one variant payload matching Type. Countersigned actions
// additionally set Session; their Seq and Prev fields are zero and the
// per-signer chain binding lives in the session data instead.
type Action struct {
	Type      ActionType `cbor:"type"`
	Author    hash.Hash  `cbor:"author"`
	Timestamp int64      `cbor:"timestamp"` // Unix microseconds
	Seq       uint32     `cbor:"seq"`
	Prev      hash.Hash  `cbor:"prev"`

	Dna             *DnaPayload             `cbor:"dna,omitempty"`
	AgentValidation *AgentValidationPayload `cbor:"agent_validation,omitempty"`
	Create          *CreatePayload          `cbor:"create,omitempty"`
	Update          *UpdatePayload          `cbor:"update,omitempty"`
	Delete          *DeletePayload          `cbor:"delete,omitempty"`
	CreateLink      *CreateLinkPayload      `cbor:"create_link,omitempty"`
	DeleteLink      *DeleteLinkPayload      `cbor:"delete_link,omitempty"`
	OpenChain       *OpenChainPayload       `cbor:"open_chain,omitempty"`
	CloseChain      *CloseChainPayload      `cbor:"close_chain,omitempty"`
	AbandonSession  *AbandonSessionPayload  `cbor:"abandon_session,omitempty"`
}

// Hash computes the action's content address over canonical CBOR.
func (a *Action) Hash() (hash.Hash, error) {
	data, err := codec.Marshal(a)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("record: marshaling action: %w", err)
	}
	return hash.Sum(hash.Action, data), nil
}

// SigningBytes returns the canonical bytes an agent signs for this
// action. Identical to the hashed bytes: signing the serialization
// signs the identity.
func (a *Action) SigningBytes() ([]byte, error) {
	data, err := codec.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("record: marshaling action for signing: %w", err)
	}
	return data, nil
}

// EntryRef returns the declared entry reference of an entry-carrying
// action, or ok=false for action types that carry none.
func (a *Action) EntryRef() (EntryRef, bool) {
	switch a.Type {
	case TypeCreate:
		if a.Create != nil {
			return a.Create.Entry, true
		}
	case TypeUpdate:
		if a.Update != nil {
			return a.Update.Entry, true
		}
	}
	return EntryRef{}, false
}

// CarriesEntry reports whether the action type carries an entry.
func (a *Action) CarriesEntry() bool {
	return a.Type == TypeCreate || a.Type == TypeUpdate
}

// IsCountersigned reports whether the action's entry is a
// countersigned entry.
func (a *Action) IsCountersigned() bool {
	ref, ok := a.EntryRef()
	return ok && ref.EntryKind == KindCountersigned
}

// CheckShape verifies the structural rules that hold for any action in
// isolation: exactly one payload matching Type, entry agreement, and
// reference requirements. Chain-positional rules (sequence continuity,
// prev linkage, timestamp monotonicity) are checked by the journal and
// by sys-validation, which can see neighboring actions.
func (a *Action) CheckShape() error {
	populated := 0
	for _, p := range []bool{
		a.Dna != nil, a.AgentValidation != nil, a.Create != nil,
		a.Update != nil, a.Delete != nil, a.CreateLink != nil,
		a.DeleteLink != nil, a.OpenChain != nil, a.CloseChain != nil,
		a.AbandonSession != nil,
	} {
		if p {
			populated++
		}
	}
	if populated != 1 {
		return fmt.Errorf("record: action has %d variant payloads, want exactly 1", populated)
	}

	if a.Author.Kind() != hash.Agent {
		return fmt.Errorf("record: action author %s is not an agent address", a.Author)
	}

	switch a.Type {
	case TypeDna:
		if a.Dna == nil {
			return typeMismatch(a.Type)
		}
		if a.Seq != 0 {
			return fmt.Errorf("record: dna action at sequence %d, must be 0", a.Seq)
		}
		if !a.Prev.IsZero() {
			return fmt.Errorf("record: dna action has a prev hash")
		}
	case TypeAgentValidation:
		if a.AgentValidation == nil {
			return typeMismatch(a.Type)
		}
	case TypeCreate:
		if a.Create == nil {
			return typeMismatch(a.Type)
		}
		if a.Create.Entry.EntryHash.IsZero() {
			return fmt.Errorf("record: create without entry hash")
		}
	case TypeUpdate:
		if a.Update == nil {
			return typeMismatch(a.Type)
		}
		if a.Update.Entry.EntryHash.IsZero() {
			return fmt.Errorf("record: update without entry hash")
		}
		if a.Update.OriginalAction.IsZero() || a.Update.OriginalEntry.IsZero() {
			return fmt.Errorf("record: update without original references")
		}
	case TypeDelete:
		if a.Delete == nil {
			return typeMismatch(a.Type)
		}
		if a.Delete.DeletesAction.IsZero() {
			return fmt.Errorf("record: delete without target action")
		}
	case TypeCreateLink:
		if a.CreateLink == nil {
			return typeMismatch(a.Type)
		}
		if a.CreateLink.Base.IsZero() || a.CreateLink.Target.IsZero() {
			return fmt.Errorf("record: link without base or target")
		}
	case TypeDeleteLink:
		if a.DeleteLink == nil {
			return typeMismatch(a.Type)
		}
		if a.DeleteLink.LinkAction.IsZero() {
			return fmt.Errorf("record: delete-link without link action reference")
		}
	case TypeOpenChain:
		if a.OpenChain == nil {
			return typeMismatch(a.Type)
		}
	case TypeCloseChain:
		if a.CloseChain == nil {
			return typeMismatch(a.Type)
		}
		if a.CloseChain.SuccessorDna.IsZero() {
			return fmt.Errorf("record: close-chain without successor identity")
		}
	case TypeAbandonSession:
		if a.AbandonSession == nil {
			return typeMismatch(a.Type)
		}
		if a.AbandonSession.Session.IsZero() {
			return fmt.Errorf("record: abandon-session without session fingerprint")
		}
	default:
		return fmt.Errorf("record: unknown action type %q", a.Type)
	}

	if a.Seq > 0 && a.Prev.IsZero() && !a.IsCountersigned() {
		return fmt.Errorf("record: action at sequence %d has no prev hash", a.Seq)
	}

	return nil
}

func typeMismatch(t ActionType) error {
	return fmt.Errorf("record: action type %q does not match populated payload", t)
}
