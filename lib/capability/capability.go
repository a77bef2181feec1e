// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package capability decides who may call what. Grants live as
// private entries on the granting agent's chain; a caller presents a
// provenance and, for secret-guarded grants, the capability secret it
// received out-of-band. Secrets are compared as keyed digests in
// constant time, never as raw bytes.
package capability

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
)

// ErrUnauthorized is returned when no live grant covers the call.
var ErrUnauthorized = errors.New("capability: no grant covers this call")

// secretDigestKey domain-separates capability secret digests from any
// other blake3 use.
const secretDigestKey = "weave capability secret digest v1"

// Call is one authorization question.
type Call struct {
	// Provenance is the agent asking.
	Provenance hash.Hash

	// Secret is the capability secret presented, if any.
	Secret []byte

	// Zome and Function name the target.
	Zome     string
	Function string
}

// Authorizer answers authorization questions against one cell's
// authored chain.
type Authorizer struct {
	store *store.Store
	agent hash.Hash
}

// New returns an authorizer over the cell's authored store.
func New(authored *store.Store, agent hash.Hash) (*Authorizer, error) {
	if authored == nil {
		return nil, fmt.Errorf("capability: authored store is required")
	}
	if agent.Kind() != hash.Agent {
		return nil, fmt.Errorf("capability: agent address has kind %s", agent.Kind())
	}
	return &Authorizer{store: authored, agent: agent}, nil
}

// Authorize returns nil when the call is allowed: the author calling
// its own cell always is; anyone else needs a live grant covering the
// function whose access mode the call satisfies. Every other outcome
// is ErrUnauthorized — the caller learns nothing about which grants
// exist.
//
// Provenance is taken at the caller's word. The authorizer only ever
// sees calls that already crossed an authenticated surface — the app
// socket, whose filesystem permissions are the trust boundary, or the
// dispatcher acting for the cell itself. A caller that can claim the
// author's provenance here could equally present the author's socket,
// so no signature check would add anything.
func (a *Authorizer) Authorize(ctx context.Context, call Call) error {
	if call.Provenance == a.agent {
		return nil
	}

	grants, err := a.liveGrants(ctx)
	if err != nil {
		return err
	}
	for _, grant := range grants {
		if !covers(grant, call.Zome, call.Function) {
			continue
		}
		if allows(grant.Access, call) {
			return nil
		}
	}
	return ErrUnauthorized
}

// liveGrants walks the chain once: grant entries from creates and
// updates, minus those superseded by a later update or tombstoned by
// a delete.
func (a *Authorizer) liveGrants(ctx context.Context) ([]*record.CapGrantPayload, error) {
	records, err := a.store.QueryChain(ctx, a.agent, store.ChainFilter{
		Types: []record.ActionType{record.TypeCreate, record.TypeUpdate, record.TypeDelete},
	})
	if err != nil {
		return nil, fmt.Errorf("capability: reading chain: %w", err)
	}

	superseded := make(map[hash.Hash]bool)
	for _, rec := range records {
		action := &rec.SignedAction.Action
		switch action.Type {
		case record.TypeUpdate:
			superseded[action.Update.OriginalAction] = true
		case record.TypeDelete:
			superseded[action.Delete.DeletesAction] = true
		}
	}

	var grants []*record.CapGrantPayload
	for _, rec := range records {
		if rec.Entry == nil || rec.Entry.Kind != record.KindCapGrant {
			continue
		}
		actionHash, err := rec.ActionHash()
		if err != nil {
			return nil, err
		}
		if superseded[actionHash] {
			continue
		}
		grants = append(grants, rec.Entry.CapGrant)
	}
	return grants, nil
}

func covers(grant *record.CapGrantPayload, zome, function string) bool {
	for _, fn := range grant.Functions {
		if fn.Zome == zome && fn.Function == function {
			return true
		}
	}
	return false
}

func allows(access record.CapAccess, call Call) bool {
	switch access.Mode {
	case record.AccessUnrestricted:
		return true
	case record.AccessTransferable:
		return secretsMatch(access.Secret, call.Secret)
	case record.AccessAssigned:
		if !secretsMatch(access.Secret, call.Secret) {
			return false
		}
		for _, assignee := range access.Assignees {
			if assignee == call.Provenance {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// secretsMatch compares keyed digests so the comparison is constant
// time and independent of secret length.
func secretsMatch(granted, presented []byte) bool {
	if len(granted) == 0 || len(presented) == 0 {
		return false
	}
	a := digest(granted)
	b := digest(presented)
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

func digest(secret []byte) [32]byte {
	hasher := blake3.NewDeriveKey(secretDigestKey)
	hasher.Write(secret)
	var out [32]byte
	hasher.Sum(out[:0])
	return out
}
