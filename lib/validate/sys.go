// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"fmt"

	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/record"
)

// SysValidate runs the deterministic system checks on one op, in
// order: author signature, entry-hash agreement, structural shape,
// declared type bounds, then prior-reference compatibility for ops
// that point at earlier actions. The first failing check decides the
// outcome; prior references that are not held locally park the op as
// MissingDeps.
//
// The error return is for infrastructure failures (a resolver that
// cannot read its store); validation verdicts always come back as an
// Outcome.
func SysValidate(ctx context.Context, o *op.Op, rules Ruleset, deps DepResolver) (Outcome, error) {
	action := &o.SignedAction.Action

	if err := o.SignedAction.VerifyAuthor(); err != nil {
		return Invalid(fmt.Sprintf("signature: %v", err)), nil
	}

	if outcome := checkEntryAgreement(o); outcome.Kind != OutcomeValid {
		return outcome, nil
	}

	if err := action.CheckShape(); err != nil {
		return Invalid(fmt.Sprintf("shape: %v", err)), nil
	}

	if outcome := checkDeclaredTypes(action, rules); outcome.Kind != OutcomeValid {
		return outcome, nil
	}

	return checkPriorRefs(ctx, o, deps)
}

// checkEntryAgreement verifies that op-carried entry bytes hash to the
// action's declaration, and that ops whose authority requires the
// entry actually carry it.
func checkEntryAgreement(o *op.Op) Outcome {
	action := &o.SignedAction.Action
	ref, carries := action.EntryRef()

	if o.Entry != nil {
		if !carries {
			return Invalid(fmt.Sprintf("action type %q carries no entry but op holds one", action.Type))
		}
		if err := o.Entry.CheckShape(); err != nil {
			return Invalid(fmt.Sprintf("entry shape: %v", err))
		}
		entryHash, err := o.Entry.Hash()
		if err != nil {
			return Invalid(fmt.Sprintf("entry hash: %v", err))
		}
		if entryHash != ref.EntryHash {
			return Invalid(fmt.Sprintf("entry hashes to %s, action declares %s", entryHash, ref.EntryHash))
		}
	}

	// A store-entry op is meaningless without the content it stores.
	if o.Type == op.StoreEntry && o.Entry == nil {
		return Invalid("store-entry op without entry bytes")
	}
	return Valid()
}

// checkDeclaredTypes bounds link and app-entry type indices against
// the application's declared ranges. A nil ruleset accepts all
// indices (integrity rules unknown to this conductor).
func checkDeclaredTypes(action *record.Action, rules Ruleset) Outcome {
	if rules == nil {
		return Valid()
	}
	if link := action.CreateLink; link != nil {
		if !rules.LinkTypeValid(link.ZomeIndex, link.LinkType) {
			return Invalid(fmt.Sprintf("link type %d/%d outside declared range", link.ZomeIndex, link.LinkType))
		}
	}
	if ref, ok := action.EntryRef(); ok && ref.EntryKind == record.KindApp && ref.AppType != nil {
		if !rules.EntryTypeValid(ref.AppType.ZomeIndex, ref.AppType.EntryIndex) {
			return Invalid(fmt.Sprintf("entry type %d/%d outside declared range", ref.AppType.ZomeIndex, ref.AppType.EntryIndex))
		}
	}
	return Valid()
}

// checkPriorRefs resolves the earlier actions an op depends on and
// verifies type compatibility: an update or delete must target an
// entry-creating action, a link removal must target a link creation
// over the same base. Agent-activity ops additionally check chain
// continuity against the previous action when it is held.
func checkPriorRefs(ctx context.Context, o *op.Op, deps DepResolver) (Outcome, error) {
	action := &o.SignedAction.Action

	switch o.Type {
	case op.RegisterAgentActivity:
		return checkChainContinuity(ctx, action, deps)

	case op.RegisterUpdatedContent, op.RegisterUpdatedRecord:
		prior, outcome, err := resolve(ctx, deps, action.Update.OriginalAction)
		if err != nil || outcome.Kind != OutcomeValid {
			return outcome, err
		}
		ref, ok := prior.Action.EntryRef()
		if !ok {
			return Invalid(fmt.Sprintf("update targets action type %q, which carries no entry", prior.Action.Type)), nil
		}
		if ref.EntryHash != action.Update.OriginalEntry {
			return Invalid("update's original entry does not match the targeted action's entry"), nil
		}

	case op.RegisterDeletedBy, op.RegisterDeletedEntryAction:
		prior, outcome, err := resolve(ctx, deps, action.Delete.DeletesAction)
		if err != nil || outcome.Kind != OutcomeValid {
			return outcome, err
		}
		ref, ok := prior.Action.EntryRef()
		if !ok {
			return Invalid(fmt.Sprintf("delete targets action type %q, which carries no entry", prior.Action.Type)), nil
		}
		if !action.Delete.DeletesEntry.IsZero() && ref.EntryHash != action.Delete.DeletesEntry {
			return Invalid("delete's entry reference does not match the targeted action's entry"), nil
		}

	case op.RegisterRemoveLink:
		prior, outcome, err := resolve(ctx, deps, action.DeleteLink.LinkAction)
		if err != nil || outcome.Kind != OutcomeValid {
			return outcome, err
		}
		if prior.Action.Type != record.TypeCreateLink || prior.Action.CreateLink == nil {
			return Invalid(fmt.Sprintf("link removal targets action type %q", prior.Action.Type)), nil
		}
		if prior.Action.CreateLink.Base != action.DeleteLink.Base {
			return Invalid("link removal's base does not match the targeted link's base"), nil
		}
	}

	return Valid(), nil
}

// checkChainContinuity verifies the agent-activity invariants that are
// checkable against the locally held previous action: same author,
// contiguous sequence, non-decreasing timestamp. Genesis and
// countersigned actions have no prev to check.
func checkChainContinuity(ctx context.Context, action *record.Action, deps DepResolver) (Outcome, error) {
	if action.Seq == 0 || action.Prev.IsZero() {
		return Valid(), nil
	}
	prior, outcome, err := resolve(ctx, deps, action.Prev)
	if err != nil || outcome.Kind != OutcomeValid {
		return outcome, err
	}
	if prior.Action.Author != action.Author {
		return Invalid("prev action has a different author"), nil
	}
	if prior.Action.Seq != action.Seq-1 && !prior.Action.IsCountersigned() {
		return Invalid(fmt.Sprintf("sequence jumps from %d to %d", prior.Action.Seq, action.Seq)), nil
	}
	if prior.Action.Timestamp > action.Timestamp {
		return Invalid("timestamp regresses against prev action"), nil
	}
	return Valid(), nil
}

// resolve looks up a prior action; a miss parks the op on that hash.
func resolve(ctx context.Context, deps DepResolver, actionHash hash.Hash) (record.SignedAction, Outcome, error) {
	if deps == nil {
		return record.SignedAction{}, MissingDeps(actionHash), nil
	}
	prior, found, err := deps.ResolveAction(ctx, actionHash)
	if err != nil {
		return record.SignedAction{}, Outcome{}, fmt.Errorf("validate: resolving %s: %w", actionHash, err)
	}
	if !found {
		return record.SignedAction{}, MissingDeps(actionHash), nil
	}
	return prior, Valid(), nil
}
