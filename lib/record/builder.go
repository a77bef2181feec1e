// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"

	"github.com/weave-foundation/weave/lib/hash"
)

// Builder specifies the type-specific payload of a prospective action.
// The journal fills in author, timestamp, sequence number, and
// previous-action hash at commit time, signs the result, and persists
// action and entry together.
type Builder struct {
	Type ActionType

	// Entry is required for Create and Update, forbidden otherwise.
	Entry *Entry

	// Update references.
	OriginalAction hash.Hash
	OriginalEntry  hash.Hash

	// Delete references.
	DeletesAction hash.Hash
	DeletesEntry  hash.Hash

	// CreateLink fields.
	Base      hash.Hash
	Target    hash.Hash
	ZomeIndex uint8
	LinkType  uint8
	Tag       []byte

	// DeleteLink reference (Base is shared with CreateLink).
	LinkAction hash.Hash

	// Genesis and migration fields.
	DnaHash       hash.Hash
	MembraneProof []byte
	PrevDna       hash.Hash
	SuccessorDna  hash.Hash

	// AbandonSession reference.
	Session hash.Hash
}

// Check verifies the builder's payload is structurally complete before
// the journal spends a sequence number on it.
func (b *Builder) Check() error {
	switch b.Type {
	case TypeCreate:
		if b.Entry == nil {
			return fmt.Errorf("record: create builder without entry")
		}
		return b.Entry.CheckShape()
	case TypeUpdate:
		if b.Entry == nil {
			return fmt.Errorf("record: update builder without entry")
		}
		if b.OriginalAction.IsZero() || b.OriginalEntry.IsZero() {
			return fmt.Errorf("record: update builder without original references")
		}
		return b.Entry.CheckShape()
	case TypeDelete:
		if b.DeletesAction.IsZero() {
			return fmt.Errorf("record: delete builder without target action")
		}
		return nil
	case TypeCreateLink:
		if b.Base.IsZero() || b.Target.IsZero() {
			return fmt.Errorf("record: link builder without base or target")
		}
		return nil
	case TypeDeleteLink:
		if b.LinkAction.IsZero() || b.Base.IsZero() {
			return fmt.Errorf("record: delete-link builder without link reference or base")
		}
		return nil
	case TypeDna:
		if b.DnaHash.IsZero() {
			return fmt.Errorf("record: dna builder without application identity")
		}
		return nil
	case TypeAgentValidation:
		return nil
	case TypeOpenChain:
		if b.PrevDna.IsZero() {
			return fmt.Errorf("record: open-chain builder without predecessor identity")
		}
		return nil
	case TypeCloseChain:
		if b.SuccessorDna.IsZero() {
			return fmt.Errorf("record: close-chain builder without successor identity")
		}
		return nil
	case TypeAbandonSession:
		if b.Session.IsZero() {
			return fmt.Errorf("record: abandon-session builder without session fingerprint")
		}
		return nil
	default:
		return fmt.Errorf("record: unknown builder type %q", b.Type)
	}
}

// Build assembles the action for the given chain position, together
// with the entry to persist alongside it. Entry-carrying builders
// compute and embed the entry's declared reference.
func (b *Builder) Build(author hash.Hash, timestamp int64, seq uint32, prev hash.Hash) (Action, *Entry, error) {
	if err := b.Check(); err != nil {
		return Action{}, nil, err
	}

	action := Action{
		Type:      b.Type,
		Author:    author,
		Timestamp: timestamp,
		Seq:       seq,
		Prev:      prev,
	}

	switch b.Type {
	case TypeDna:
		action.Dna = &DnaPayload{DnaHash: b.DnaHash}
	case TypeAgentValidation:
		action.AgentValidation = &AgentValidationPayload{MembraneProof: b.MembraneProof}
	case TypeCreate:
		ref, err := b.entryRef()
		if err != nil {
			return Action{}, nil, err
		}
		action.Create = &CreatePayload{Entry: ref}
	case TypeUpdate:
		ref, err := b.entryRef()
		if err != nil {
			return Action{}, nil, err
		}
		action.Update = &UpdatePayload{
			Entry:          ref,
			OriginalAction: b.OriginalAction,
			OriginalEntry:  b.OriginalEntry,
		}
	case TypeDelete:
		action.Delete = &DeletePayload{
			DeletesAction: b.DeletesAction,
			DeletesEntry:  b.DeletesEntry,
		}
	case TypeCreateLink:
		action.CreateLink = &CreateLinkPayload{
			Base:      b.Base,
			Target:    b.Target,
			ZomeIndex: b.ZomeIndex,
			LinkType:  b.LinkType,
			Tag:       b.Tag,
		}
	case TypeDeleteLink:
		action.DeleteLink = &DeleteLinkPayload{
			LinkAction: b.LinkAction,
			Base:       b.Base,
		}
	case TypeOpenChain:
		action.OpenChain = &OpenChainPayload{PrevDna: b.PrevDna}
	case TypeCloseChain:
		action.CloseChain = &CloseChainPayload{SuccessorDna: b.SuccessorDna}
	case TypeAbandonSession:
		action.AbandonSession = &AbandonSessionPayload{Session: b.Session}
	}

	return action, b.Entry, nil
}

// entryRef computes the declared reference for the builder's entry.
func (b *Builder) entryRef() (EntryRef, error) {
	entryHash, err := b.Entry.Hash()
	if err != nil {
		return EntryRef{}, err
	}
	ref := EntryRef{
		EntryHash: entryHash,
		EntryKind: b.Entry.Kind,
	}
	if b.Entry.Kind == KindApp {
		appType := b.Entry.App.Type
		ref.AppType = &appType
	}
	return ref, nil
}
