// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package op

import (
	"fmt"
	"sort"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/record"
)

// Type enumerates the nine DHT operation kinds.
type Type string

const (
	// RegisterAgentActivity extends the author's observed chain at
	// the author's own address.
	RegisterAgentActivity Type = "register_agent_activity"

	// StoreRecord holds the full record at the action's address.
	StoreRecord Type = "store_record"

	// StoreEntry holds a public entry, and the actions creating or
	// updating it, at the entry's address.
	StoreEntry Type = "store_entry"

	// RegisterUpdatedContent attaches an update to the original
	// entry's address.
	RegisterUpdatedContent Type = "register_updated_content"

	// RegisterUpdatedRecord attaches an update to the original
	// action's address.
	RegisterUpdatedRecord Type = "register_updated_record"

	// RegisterDeletedBy attaches a delete to the deleted action's
	// address.
	RegisterDeletedBy Type = "register_deleted_by"

	// RegisterDeletedEntryAction attaches a delete to the deleted
	// entry's address.
	RegisterDeletedEntryAction Type = "register_deleted_entry_action"

	// RegisterAddLink records link presence at the base address.
	RegisterAddLink Type = "register_add_link"

	// RegisterRemoveLink tombstones a link at the address of the
	// CreateLink it removes.
	RegisterRemoveLink Type = "register_remove_link"
)

// integrationPriority orders ops within one integration batch so that
// dependencies between ops of the same commit resolve forward:
// activity before content, content before fan-in, additions before
// removals.
var integrationPriority = map[Type]int{
	RegisterAgentActivity:      0,
	StoreEntry:                 1,
	StoreRecord:                2,
	RegisterUpdatedContent:     3,
	RegisterUpdatedRecord:      4,
	RegisterDeletedBy:          5,
	RegisterDeletedEntryAction: 6,
	RegisterAddLink:            7,
	RegisterRemoveLink:         8,
}

// Priority returns the integration ordering rank of an op type.
func Priority(t Type) int {
	p, ok := integrationPriority[t]
	if !ok {
		return len(integrationPriority)
	}
	return p
}

// Op is one replication fact: a signed action (with entry when the
// receiving authority requires it) directed at a basis address.
type Op struct {
	Type         Type                `cbor:"type"`
	SignedAction record.SignedAction `cbor:"signed_action"`

	// Entry is present only on StoreRecord and StoreEntry ops for
	// public entries. Every other op type is action-addressed and
	// carries no content.
	Entry *record.Entry `cbor:"entry,omitempty"`
}

// Basis returns the address whose authority must hold this op.
func (o *Op) Basis() (hash.Hash, error) {
	action := &o.SignedAction.Action
	switch o.Type {
	case RegisterAgentActivity:
		return action.Author, nil
	case StoreRecord:
		return action.Hash()
	case StoreEntry:
		ref, ok := action.EntryRef()
		if !ok {
			return hash.Hash{}, fmt.Errorf("op: store-entry over action type %q with no entry", action.Type)
		}
		return ref.EntryHash, nil
	case RegisterUpdatedContent:
		if action.Update == nil {
			return hash.Hash{}, basisMismatch(o.Type, action.Type)
		}
		return action.Update.OriginalEntry, nil
	case RegisterUpdatedRecord:
		if action.Update == nil {
			return hash.Hash{}, basisMismatch(o.Type, action.Type)
		}
		return action.Update.OriginalAction, nil
	case RegisterDeletedBy:
		if action.Delete == nil {
			return hash.Hash{}, basisMismatch(o.Type, action.Type)
		}
		return action.Delete.DeletesAction, nil
	case RegisterDeletedEntryAction:
		if action.Delete == nil {
			return hash.Hash{}, basisMismatch(o.Type, action.Type)
		}
		return action.Delete.DeletesEntry, nil
	case RegisterAddLink:
		if action.CreateLink == nil {
			return hash.Hash{}, basisMismatch(o.Type, action.Type)
		}
		return action.CreateLink.Base, nil
	case RegisterRemoveLink:
		if action.DeleteLink == nil {
			return hash.Hash{}, basisMismatch(o.Type, action.Type)
		}
		return action.DeleteLink.LinkAction, nil
	default:
		return hash.Hash{}, fmt.Errorf("op: unknown op type %q", o.Type)
	}
}

func basisMismatch(opType Type, actionType record.ActionType) error {
	return fmt.Errorf("op: %s op over incompatible action type %q", opType, actionType)
}

// Hash computes the op's content address over canonical CBOR.
func (o *Op) Hash() (hash.Hash, error) {
	data, err := codec.Marshal(o)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("op: marshaling op: %w", err)
	}
	return hash.Sum(hash.Op, data), nil
}

// Produce computes the full op set for a record. The projection rules:
//
//   - every record emits RegisterAgentActivity at the author and
//     StoreRecord at the action hash;
//   - a public entry additionally emits StoreEntry at the entry hash;
//   - updates emit fan-in at the original action, and at the original
//     entry when that entry is public;
//   - deletes emit fan-in at the deleted action, and at the deleted
//     entry when that entry is public;
//   - links emit presence at the base, removals at the original
//     CreateLink.
//
// Private-entry records emit only action-addressed ops, and no op
// carries the private entry's bytes.
//
// A delete names its target entry by hash only, so its visibility is
// looked up through the resolver; without one (or when the entry is
// unknown locally) the entry fan-in op is emitted, and the authority
// holding the entry decides whether it applies.
func Produce(r record.Record) ([]Op, error) {
	return ProduceWith(r, nil)
}

// EntryVisibility reports the locally known visibility of an entry.
type EntryVisibility func(entryHash hash.Hash) (record.Visibility, bool)

// ProduceWith is Produce with a visibility resolver for referenced
// entries the record itself does not carry.
func ProduceWith(r record.Record, visibility EntryVisibility) ([]Op, error) {
	if err := r.CheckShape(); err != nil {
		return nil, err
	}

	action := &r.SignedAction.Action
	ref, carries := action.EntryRef()
	public := carries && ref.Visibility() == record.Public

	// The record op carries the entry only when it is public; private
	// content never leaves the author's chain.
	var publicEntry *record.Entry
	if public {
		publicEntry = r.Entry
	}

	ops := []Op{
		{Type: RegisterAgentActivity, SignedAction: r.SignedAction},
		{Type: StoreRecord, SignedAction: r.SignedAction, Entry: publicEntry},
	}

	if public {
		ops = append(ops, Op{Type: StoreEntry, SignedAction: r.SignedAction, Entry: publicEntry})
	}

	switch action.Type {
	case record.TypeUpdate:
		if public {
			ops = append(ops, Op{Type: RegisterUpdatedContent, SignedAction: r.SignedAction})
		}
		ops = append(ops, Op{Type: RegisterUpdatedRecord, SignedAction: r.SignedAction})
	case record.TypeDelete:
		ops = append(ops, Op{Type: RegisterDeletedBy, SignedAction: r.SignedAction})
		if deleted := action.Delete.DeletesEntry; !deleted.IsZero() {
			emit := true
			if visibility != nil {
				if vis, known := visibility(deleted); known && vis == record.Private {
					emit = false
				}
			}
			if emit {
				ops = append(ops, Op{Type: RegisterDeletedEntryAction, SignedAction: r.SignedAction})
			}
		}
	case record.TypeCreateLink:
		ops = append(ops, Op{Type: RegisterAddLink, SignedAction: r.SignedAction})
	case record.TypeDeleteLink:
		ops = append(ops, Op{Type: RegisterRemoveLink, SignedAction: r.SignedAction})
	}

	return ops, nil
}

// SortForIntegration orders ops by type priority, then by action
// timestamp, so that a batch integrates with dependencies resolving
// forward.
func SortForIntegration(ops []Op) {
	sort.SliceStable(ops, func(i, j int) bool {
		pi, pj := Priority(ops[i].Type), Priority(ops[j].Type)
		if pi != pj {
			return pi < pj
		}
		return ops[i].SignedAction.Action.Timestamp < ops[j].SignedAction.Action.Timestamp
	})
}
