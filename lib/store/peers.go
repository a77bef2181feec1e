// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/weave-foundation/weave/lib/hash"
)

// Peer is one row of the peermeta store: a network neighbor, the
// slice of the location ring it claims authority over, and contact
// bookkeeping for the fetch pool's backoff.
//
// The arc is stored as (start, length) over the uint32 ring; length
// is 64-bit so a full arc (2^32) is representable.
type Peer struct {
	Agent        hash.Hash
	ArcStart     uint32
	ArcLength    uint64
	URL          string
	LastSeen     int64
	BackoffUntil int64
	Failures     int
}

// UpsertPeer inserts or refreshes a peer row, preserving failure
// bookkeeping on refresh.
func (tx *Tx) UpsertPeer(peer Peer) error {
	err := sqlitex.Execute(tx.conn, `
		INSERT INTO peer (agent, arc_start, arc_length, url, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (agent) DO UPDATE SET
			arc_start = excluded.arc_start,
			arc_length = excluded.arc_length,
			url = excluded.url,
			last_seen = excluded.last_seen`,
		&sqlitex.ExecOptions{Args: []any{
			hashArg(peer.Agent), int64(peer.ArcStart), int64(peer.ArcLength),
			peer.URL, peer.LastSeen,
		}})
	if err != nil {
		return fmt.Errorf("store: upserting peer: %w", err)
	}
	tx.note(ChangePeers)
	return nil
}

// RecordPeerFailure bumps a peer's failure count and sets its backoff
// horizon.
func (tx *Tx) RecordPeerFailure(agent hash.Hash, backoffUntil int64) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE peer SET failures = failures + 1, backoff_until = ? WHERE agent = ?`,
		&sqlitex.ExecOptions{Args: []any{backoffUntil, hashArg(agent)}})
	if err != nil {
		return fmt.Errorf("store: recording peer failure: %w", err)
	}
	tx.note(ChangePeers)
	return nil
}

// RecordPeerSuccess clears a peer's failure bookkeeping and stamps
// last-seen.
func (tx *Tx) RecordPeerSuccess(agent hash.Hash, now int64) error {
	err := sqlitex.Execute(tx.conn, `
		UPDATE peer SET failures = 0, backoff_until = 0, last_seen = ? WHERE agent = ?`,
		&sqlitex.ExecOptions{Args: []any{now, hashArg(agent)}})
	if err != nil {
		return fmt.Errorf("store: recording peer success: %w", err)
	}
	tx.note(ChangePeers)
	return nil
}

// RemovePeer deletes a peer row.
func (tx *Tx) RemovePeer(agent hash.Hash) error {
	err := sqlitex.Execute(tx.conn, `DELETE FROM peer WHERE agent = ?`,
		&sqlitex.ExecOptions{Args: []any{hashArg(agent)}})
	if err != nil {
		return fmt.Errorf("store: removing peer: %w", err)
	}
	tx.note(ChangePeers)
	return nil
}

func scanPeer(stmt *sqlite.Stmt) (Peer, error) {
	agent, err := columnHash(stmt, 0)
	if err != nil {
		return Peer{}, err
	}
	return Peer{
		Agent:        agent,
		ArcStart:     uint32(stmt.ColumnInt64(1)),
		ArcLength:    uint64(stmt.ColumnInt64(2)),
		URL:          stmt.ColumnText(3),
		LastSeen:     stmt.ColumnInt64(4),
		BackoffUntil: stmt.ColumnInt64(5),
		Failures:     int(stmt.ColumnInt64(6)),
	}, nil
}

const peerColumns = `agent, arc_start, arc_length, COALESCE(url, ''), COALESCE(last_seen, 0), backoff_until, failures`

// Peers returns every known peer.
func (s *Store) Peers(ctx context.Context) ([]Peer, error) {
	var peers []Peer
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+peerColumns+` FROM peer ORDER BY last_seen DESC`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					peer, err := scanPeer(stmt)
					if err != nil {
						return err
					}
					peers = append(peers, peer)
					return nil
				},
			})
	})
	return peers, err
}

// Peer returns one peer row by agent address.
func (s *Store) Peer(ctx context.Context, agent hash.Hash) (Peer, bool, error) {
	var peer Peer
	found := false
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT `+peerColumns+` FROM peer WHERE agent = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(agent)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var err error
					peer, err = scanPeer(stmt)
					found = err == nil
					return err
				},
			})
	})
	if err != nil {
		return Peer{}, false, err
	}
	return peer, found, nil
}
