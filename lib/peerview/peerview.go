// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package peerview

import (
	"context"
	"fmt"
	"sort"

	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/store"
)

// ringSize is the size of the location ring (2^32).
const ringSize = uint64(1) << 32

// Arc is a claimed slice of the location ring: Length locations
// starting at Start, wrapping around. A Length of 2^32 is the full
// ring.
type Arc struct {
	Start  uint32
	Length uint64
}

// FullArc covers the whole ring. New conductors start here and shrink
// as the network grows.
func FullArc() Arc { return Arc{Length: ringSize} }

// EmptyArc covers nothing (a peer that only authors, never serves).
func EmptyArc() Arc { return Arc{} }

// Contains reports whether the arc covers a ring location.
func (a Arc) Contains(loc uint32) bool {
	if a.Length >= ringSize {
		return true
	}
	if a.Length == 0 {
		return false
	}
	offset := uint64(loc - a.Start) // wraps mod 2^32
	return offset < a.Length
}

// distance is the shorter ring walk between two locations.
func distance(a, b uint32) uint32 {
	d := a - b
	if d > 1<<31 {
		d = -d
	}
	return d
}

// View answers authority questions from the peer-meta store plus the
// local agent's own arc.
type View struct {
	peers *store.Store
	self  hash.Hash
	arc   Arc
}

// Config holds a view's collaborators.
type Config struct {
	// Peers is the peer-meta store. Required.
	Peers *store.Store

	// Self is the local agent.
	Self hash.Hash

	// Arc is the slice of the ring the local agent serves.
	Arc Arc
}

// New validates the configuration and returns a view.
func New(cfg Config) (*View, error) {
	if cfg.Peers == nil {
		return nil, fmt.Errorf("peerview: Peers store is required")
	}
	return &View{peers: cfg.Peers, self: cfg.Self, arc: cfg.Arc}, nil
}

// SelfArc returns the local agent's claimed arc.
func (v *View) SelfArc() Arc { return v.arc }

// SelfCovers reports whether the local agent is an authority for the
// address.
func (v *View) SelfCovers(h hash.Hash) bool {
	return v.arc.Contains(h.Location())
}

// Authorities returns the known peers whose arcs cover the address,
// nearest arc start first, excluding the local agent. limit <= 0
// means all.
func (v *View) Authorities(ctx context.Context, h hash.Hash, limit int) ([]store.Peer, error) {
	all, err := v.peers.Peers(ctx)
	if err != nil {
		return nil, fmt.Errorf("peerview: listing peers: %w", err)
	}
	loc := h.Location()
	var covering []store.Peer
	for _, peer := range all {
		if peer.Agent == v.self {
			continue
		}
		arc := Arc{Start: peer.ArcStart, Length: peer.ArcLength}
		if arc.Contains(loc) {
			covering = append(covering, peer)
		}
	}
	sort.SliceStable(covering, func(i, j int) bool {
		return distance(covering[i].ArcStart, loc) < distance(covering[j].ArcStart, loc)
	})
	if limit > 0 && len(covering) > limit {
		covering = covering[:limit]
	}
	return covering, nil
}

// CandidatePeers implements the fetch pool's directory: authorities
// for the address, all of them, so the pool can walk past backoffs.
func (v *View) CandidatePeers(ctx context.Context, h hash.Hash) ([]store.Peer, error) {
	return v.Authorities(ctx, h, 0)
}

// Exchange is the network surface the workflows push through. The
// transport implements it; tests fake it.
type Exchange interface {
	// PushOps delivers authored ops to an authority for validation
	// and integration.
	PushOps(ctx context.Context, peer store.Peer, ops []op.Op) error

	// SendReceipt returns a validation receipt to an op's author.
	SendReceipt(ctx context.Context, peer store.Peer, receipt op.Receipt) error

	// SendWarrant forwards a warrant to an authority for the accused
	// agent's activity basis.
	SendWarrant(ctx context.Context, peer store.Peer, warrant op.Warrant) error
}
