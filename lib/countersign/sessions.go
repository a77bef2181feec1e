// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package countersign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/journal"
	"github.com/weave-foundation/weave/lib/keystore"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
)

// Config carries the collaborators for one cell's session manager.
type Config struct {
	// Journal is the cell's chain, locked for the session's duration.
	Journal *journal.Journal

	// Store is the cell's authored store, for projecting ops after a
	// successful commit.
	Store *store.Store

	// Keystore signs preflight responses.
	Keystore *keystore.Keystore

	// Agent is this cell's agent address.
	Agent hash.Hash

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to discarding.
	Logger *slog.Logger
}

// Sessions manages this cell's countersigning state. At most one
// session is active at a time; a second acceptance while the first is
// live fails with ErrAnotherSessionInProgress.
type Sessions struct {
	journal *journal.Journal
	store   *store.Store
	keys    *keystore.Keystore
	agent   hash.Hash
	clock   clock.Clock
	logger  *slog.Logger

	mu     sync.Mutex
	active *activeSession
}

type activeSession struct {
	session record.CounterSession
	bytes   []byte
}

// New returns a session manager for one cell.
func New(cfg Config) (*Sessions, error) {
	if cfg.Journal == nil {
		return nil, fmt.Errorf("countersign: journal is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("countersign: store is required")
	}
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("countersign: keystore is required")
	}
	if cfg.Agent.Kind() != hash.Agent {
		return nil, fmt.Errorf("countersign: agent address has kind %s", cfg.Agent.Kind())
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sessions{
		journal: cfg.Journal,
		store:   cfg.Store,
		keys:    cfg.Keystore,
		agent:   cfg.Agent,
		clock:   clk,
		logger:  logger.With("component", "countersign", "agent", cfg.Agent),
	}, nil
}

// Active returns the fingerprint of the live session, if any.
func (s *Sessions) Active() (hash.Hash, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return hash.Hash{}, false
	}
	return s.active.session.Fingerprint, true
}

// Accept joins a session: it locks this cell's chain until the window
// closes and returns a signed preflight response pinning the current
// chain tip. The lock freezes the tip, so the response stays true for
// the session's lifetime. Re-accepting the same session returns a
// fresh response; accepting a different one while the first is live
// fails with ErrAnotherSessionInProgress.
func (s *Sessions) Accept(ctx context.Context, request PreflightRequest) (record.PreflightResponse, error) {
	session := request.Session
	fingerprint, err := Fingerprint(session, request.Bytes)
	if err != nil {
		return record.PreflightResponse{}, err
	}
	if !session.Fingerprint.IsZero() && session.Fingerprint != fingerprint {
		return record.PreflightResponse{}, fmt.Errorf("%w: fingerprint does not match session content", ErrBadBundle)
	}
	session.Fingerprint = fingerprint
	if err := session.CheckShape(); err != nil {
		return record.PreflightResponse{}, fmt.Errorf("%w: %v", ErrBadBundle, err)
	}

	now := s.clock.Now().UnixMicro()
	if now < session.Start || now >= session.End {
		return record.PreflightResponse{}, ErrWindowClosed
	}
	index := session.SignerIndex(s.agent)
	if index < 0 {
		return record.PreflightResponse{}, ErrNotAParty
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.session.Fingerprint != fingerprint {
		return record.PreflightResponse{}, ErrAnotherSessionInProgress
	}

	if err := s.journal.Lock(ctx, fingerprint, session.End); err != nil {
		if errors.Is(err, journal.ErrChainLocked) {
			return record.PreflightResponse{}, ErrAnotherSessionInProgress
		}
		return record.PreflightResponse{}, err
	}

	head, _, err := s.journal.Head(ctx)
	if err != nil {
		return record.PreflightResponse{}, err
	}
	response := record.PreflightResponse{
		Signer:    index,
		PriorHead: head.Hash,
		PriorSeq:  head.Seq,
	}
	data, err := responseSigningBytes(&session, response)
	if err != nil {
		return record.PreflightResponse{}, err
	}
	response.Signature, err = s.keys.Sign(ctx, s.agent, data)
	if err != nil {
		return record.PreflightResponse{}, err
	}

	s.active = &activeSession{session: session, bytes: request.Bytes}
	s.logger.Info("countersigning session accepted",
		"session", fingerprint, "signers", len(session.Signers))
	return response, nil
}

// Commit verifies the completed bundle and writes the shared action to
// this cell's chain, releasing the lock and projecting the action's
// ops for publication. The bundle must belong to the live session.
func (s *Sessions) Commit(ctx context.Context, entry *record.Entry) (record.Record, error) {
	if err := VerifyBundle(entry); err != nil {
		return record.Record{}, err
	}
	session := entry.Countersigned.Session

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return record.Record{}, fmt.Errorf("%w: no session accepted", ErrBadBundle)
	}
	if s.active.session.Fingerprint != session.Fingerprint {
		return record.Record{}, ErrAnotherSessionInProgress
	}

	action, _, err := SharedAction(session, entry.Countersigned.Bytes)
	if err != nil {
		return record.Record{}, err
	}
	rec, err := s.journal.AppendCountersigned(ctx, action, entry)
	if err != nil {
		return record.Record{}, err
	}
	s.active = nil

	// Project the action's ops immediately, cleared for publication.
	// Idempotent against the produce workflow racing us: op inserts
	// ignore duplicates, and the release flips any row it withheld.
	actionHash, err := rec.ActionHash()
	if err != nil {
		return record.Record{}, err
	}
	ops, err := op.Produce(rec)
	if err != nil {
		return record.Record{}, err
	}
	err = s.store.WriteTx(ctx, func(tx *store.Tx) error {
		if err := tx.PutOps(ops, op.Pending, false); err != nil {
			return err
		}
		return tx.ReleasePublish(actionHash)
	})
	if err != nil {
		return record.Record{}, err
	}

	s.logger.Info("countersigning session committed",
		"session", session.Fingerprint, "action", actionHash)
	return rec, nil
}

// Abandon drops the live session, unlocks the chain, and appends an
// abandon-session marker naming the session's fingerprint. The chain
// resumes from its pre-session head plus the marker; the marker's ops
// flow through the normal produce and publish workflows, so activity
// authorities see the outcome. Safe to call with no session active.
func (s *Sessions) Abandon(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	fingerprint := s.active.session.Fingerprint
	if err := s.journal.Unlock(ctx); err != nil {
		return err
	}
	s.active = nil

	builder := record.Builder{Type: record.TypeAbandonSession, Session: fingerprint}
	if _, err := s.journal.Append(ctx, hash.Hash{}, []record.Builder{builder}, journal.Relaxed); err != nil {
		return fmt.Errorf("countersign: recording abandoned session: %w", err)
	}
	s.logger.Info("countersigning session abandoned", "session", fingerprint)
	return nil
}

// ExpireDue abandons the live session if its window has closed.
// Returns whether an expiry happened. Called periodically by the cell.
func (s *Sessions) ExpireDue(ctx context.Context) (bool, error) {
	s.mu.Lock()
	expired := s.active != nil && s.clock.Now().UnixMicro() >= s.active.session.End
	s.mu.Unlock()
	if !expired {
		return false, nil
	}
	if err := s.Abandon(ctx); err != nil {
		return false, err
	}
	return true, nil
}
