// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/keystore"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
)

var (
	// ErrHeadMoved is returned by a strict append whose observed head
	// is no longer the chain tip.
	ErrHeadMoved = errors.New("journal: chain head moved")

	// ErrInvalidBuilder is returned when a builder fails its
	// completeness or shape checks.
	ErrInvalidBuilder = errors.New("journal: invalid builder")

	// ErrKeystoreUnavailable is returned when signing fails because
	// the keystore is closed or does not hold the agent's key.
	ErrKeystoreUnavailable = errors.New("journal: keystore unavailable")

	// ErrStoreFailed is returned when the backing store rejects the
	// write.
	ErrStoreFailed = errors.New("journal: store write failed")

	// ErrChainLocked is returned while a countersigning session holds
	// the chain.
	ErrChainLocked = errors.New("journal: chain locked by countersigning session")

	// ErrNotEmpty is returned by Genesis on a chain that already has
	// records.
	ErrNotEmpty = errors.New("journal: chain already has a genesis")
)

// Mode selects how an append treats the observed head.
type Mode int

const (
	// Strict fails with ErrHeadMoved unless the chain tip still
	// equals the head the caller observed.
	Strict Mode = iota

	// Relaxed appends at whatever the current tip is.
	Relaxed
)

// Config holds a journal's collaborators.
type Config struct {
	// Agent is the chain's author. Required; the keystore must hold
	// its key.
	Agent hash.Hash

	// Dna is the application identity the chain is bound to.
	Dna hash.Hash

	// Store is the authored store for this cell. Required.
	Store *store.Store

	// Keystore signs every action. Required.
	Keystore *keystore.Keystore

	// Clock provides timestamps. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives append events. Nil discards them.
	Logger *slog.Logger
}

// Journal is one agent's source chain over one authored store.
type Journal struct {
	agent  hash.Hash
	dna    hash.Hash
	store  *store.Store
	keys   *keystore.Keystore
	clock  clock.Clock
	logger *slog.Logger
}

// New validates the configuration and returns a journal.
func New(cfg Config) (*Journal, error) {
	if cfg.Agent.Kind() != hash.Agent {
		return nil, fmt.Errorf("journal: agent address has kind %s", cfg.Agent.Kind())
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("journal: Store is required")
	}
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("journal: Keystore is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Journal{
		agent:  cfg.Agent,
		dna:    cfg.Dna,
		store:  cfg.Store,
		keys:   cfg.Keystore,
		clock:  clk,
		logger: logger.With("component", "journal", "agent", cfg.Agent),
	}, nil
}

// Agent returns the chain's author.
func (j *Journal) Agent() hash.Hash { return j.agent }

// Dna returns the application identity the chain is bound to.
func (j *Journal) Dna() hash.Hash { return j.dna }

// Head returns the current chain tip.
func (j *Journal) Head(ctx context.Context) (store.HeadInfo, bool, error) {
	return j.store.Head(ctx, j.agent)
}

// Genesis writes the chain's first three records: the Dna action at
// sequence 0, the agent-key entry at 1, and the agent-validation
// action carrying the membrane proof at 2. Fails on a non-empty
// chain.
func (j *Journal) Genesis(ctx context.Context, membraneProof []byte) ([]record.Record, error) {
	builders := []record.Builder{
		{Type: record.TypeDna, DnaHash: j.dna},
		{Type: record.TypeCreate, Entry: &record.Entry{Kind: record.KindAgent, AgentKey: j.agent.AgentKey()}},
		{Type: record.TypeAgentValidation, MembraneProof: membraneProof},
	}

	var records []record.Record
	err := j.store.WriteTx(ctx, func(tx *store.Tx) error {
		if _, exists, err := tx.Head(j.agent); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreFailed, err)
		} else if exists {
			return ErrNotEmpty
		}
		var err error
		records, err = j.appendLocked(ctx, tx, store.HeadInfo{}, false, builders)
		return err
	})
	if err != nil {
		return nil, err
	}
	j.logger.Info("chain genesis written", "dna", j.dna)
	return records, nil
}

// Append extends the chain with one record per builder, in order,
// inside a single transaction. asAt is the head the caller observed
// when it assembled the builders; in Strict mode a changed head fails
// with ErrHeadMoved. A zero asAt means the caller observed an empty
// chain.
func (j *Journal) Append(ctx context.Context, asAt hash.Hash, builders []record.Builder, mode Mode) ([]record.Record, error) {
	if len(builders) == 0 {
		return nil, nil
	}
	for i := range builders {
		if err := builders[i].Check(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBuilder, err)
		}
	}

	var records []record.Record
	err := j.store.WriteTx(ctx, func(tx *store.Tx) error {
		head, exists, err := tx.Head(j.agent)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreFailed, err)
		}
		if !exists {
			head = store.HeadInfo{}
		}

		if mode == Strict && head.Hash != asAt {
			return fmt.Errorf("%w: observed %s, tip is %s", ErrHeadMoved, asAt, head.Hash)
		}

		if err := j.checkLock(tx); err != nil {
			return err
		}

		records, err = j.appendLocked(ctx, tx, head, exists, builders)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// checkLock refuses appends while an unexpired countersigning lock
// holds the chain. Expired locks do not block: the abandon path
// appends through them and clears the lock.
func (j *Journal) checkLock(tx *store.Tx) error {
	lock, locked, err := tx.ChainLock(j.agent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailed, err)
	}
	if locked && j.clock.Now().UnixMicro() < lock.ExpiresAt {
		return fmt.Errorf("%w: session %s until %d", ErrChainLocked, lock.Session, lock.ExpiresAt)
	}
	return nil
}

// appendLocked builds, signs, and stores the records. The caller
// holds the write transaction and has already settled head checks.
func (j *Journal) appendLocked(ctx context.Context, tx *store.Tx, head store.HeadInfo, chainExists bool, builders []record.Builder) ([]record.Record, error) {
	timestamp := j.clock.Now().UnixMicro()
	if chainExists && timestamp < head.Timestamp {
		timestamp = head.Timestamp
	}

	seq := uint32(0)
	prev := hash.Hash{}
	if chainExists {
		seq = head.Seq + 1
		prev = head.Hash
	}

	records := make([]record.Record, 0, len(builders))
	for i := range builders {
		action, entry, err := builders[i].Build(j.agent, timestamp, seq, prev)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBuilder, err)
		}
		if err := action.CheckShape(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBuilder, err)
		}

		data, err := action.SigningBytes()
		if err != nil {
			return nil, err
		}
		signature, err := j.keys.Sign(ctx, j.agent, data)
		if err != nil {
			if errors.Is(err, keystore.ErrClosed) || errors.Is(err, keystore.ErrUnknownAgent) {
				return nil, fmt.Errorf("%w: %v", ErrKeystoreUnavailable, err)
			}
			return nil, err
		}

		rec := record.Record{
			SignedAction: record.SignedAction{Action: action, Signature: signature},
			Entry:        entry,
		}
		if err := tx.PutRecord(rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreFailed, err)
		}

		actionHash, err := rec.ActionHash()
		if err != nil {
			return nil, err
		}
		prev = actionHash
		seq++
		records = append(records, rec)
	}

	j.logger.Debug("appended records", "count", len(records), "tip_seq", seq-1)
	return records, nil
}

// Prepared is a fully built but unsigned action, with chain position
// already assigned. The call dispatcher builds these in a scratch
// space so the module sees the real action hashes before commit.
type Prepared struct {
	Action record.Action
	Entry  *record.Entry
}

// AppendPrepared signs and commits actions whose chain-positional
// fields were assigned against an observed head. The commit is
// inherently strict: if the chain tip no longer matches the first
// action's prev reference, nothing is written and ErrHeadMoved is
// returned — the caller rebuilds its scratch against the new head.
func (j *Journal) AppendPrepared(ctx context.Context, prepared []Prepared) ([]record.Record, error) {
	if len(prepared) == 0 {
		return nil, nil
	}

	var records []record.Record
	err := j.store.WriteTx(ctx, func(tx *store.Tx) error {
		head, exists, err := tx.Head(j.agent)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreFailed, err)
		}
		first := &prepared[0].Action
		switch {
		case !exists:
			if first.Seq != 0 || !first.Prev.IsZero() {
				return fmt.Errorf("%w: prepared against a head, chain is empty", ErrHeadMoved)
			}
		case first.Prev != head.Hash || first.Seq != head.Seq+1:
			return fmt.Errorf("%w: prepared against %s, tip is %s", ErrHeadMoved, first.Prev, head.Hash)
		}

		if err := j.checkLock(tx); err != nil {
			return err
		}

		for i := range prepared {
			action := prepared[i].Action
			if err := action.CheckShape(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidBuilder, err)
			}
			data, err := action.SigningBytes()
			if err != nil {
				return err
			}
			signature, err := j.keys.Sign(ctx, j.agent, data)
			if err != nil {
				if errors.Is(err, keystore.ErrClosed) || errors.Is(err, keystore.ErrUnknownAgent) {
					return fmt.Errorf("%w: %v", ErrKeystoreUnavailable, err)
				}
				return err
			}
			rec := record.Record{
				SignedAction: record.SignedAction{Action: action, Signature: signature},
				Entry:        prepared[i].Entry,
			}
			if err := rec.RequireEntry(); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidBuilder, err)
			}
			if err := tx.PutRecord(rec); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreFailed, err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AppendCountersigned commits the session's pre-committed action as
// the next chain record and releases the chain lock. The action was
// constructed by the session (it is byte-identical on every signer's
// chain), so the journal verifies rather than builds: the entry must
// carry the session whose lock is held, and the session window must
// still be open.
func (j *Journal) AppendCountersigned(ctx context.Context, action record.Action, entry *record.Entry) (record.Record, error) {
	if entry == nil || entry.Kind != record.KindCountersigned || entry.Countersigned == nil {
		return record.Record{}, fmt.Errorf("%w: not a countersigned entry", ErrInvalidBuilder)
	}
	session := &entry.Countersigned.Session

	var rec record.Record
	err := j.store.WriteTx(ctx, func(tx *store.Tx) error {
		lock, locked, err := tx.ChainLock(j.agent)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreFailed, err)
		}
		if !locked {
			return fmt.Errorf("%w: no session lock held", ErrInvalidBuilder)
		}
		if lock.Session != session.Fingerprint {
			return fmt.Errorf("%w: another session holds the lock", ErrChainLocked)
		}
		now := j.clock.Now().UnixMicro()
		if now >= session.End {
			return fmt.Errorf("%w: session window closed", ErrInvalidBuilder)
		}

		data, err := action.SigningBytes()
		if err != nil {
			return err
		}
		signature, err := j.keys.Sign(ctx, j.agent, data)
		if err != nil {
			if errors.Is(err, keystore.ErrClosed) || errors.Is(err, keystore.ErrUnknownAgent) {
				return fmt.Errorf("%w: %v", ErrKeystoreUnavailable, err)
			}
			return err
		}

		rec = record.Record{
			SignedAction: record.SignedAction{Action: action, Signature: signature},
			Entry:        entry,
		}
		if err := rec.CheckShape(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidBuilder, err)
		}
		if err := tx.PutRecord(rec); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreFailed, err)
		}
		return tx.UnlockChain(j.agent)
	})
	if err != nil {
		return record.Record{}, err
	}
	j.logger.Info("countersigned action committed", "session", session.Fingerprint)
	return rec, nil
}

// Lock records a countersigning lock for this chain. Fails with
// ErrChainLocked if a different session's unexpired lock is held.
func (j *Journal) Lock(ctx context.Context, session hash.Hash, expiresAt int64) error {
	return j.store.WriteTx(ctx, func(tx *store.Tx) error {
		lock, locked, err := tx.ChainLock(j.agent)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreFailed, err)
		}
		if locked && lock.Session != session {
			if j.clock.Now().UnixMicro() < lock.ExpiresAt {
				return fmt.Errorf("%w: session %s", ErrChainLocked, lock.Session)
			}
			// Expired lock from a dead session; clear it.
			if err := tx.UnlockChain(j.agent); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreFailed, err)
			}
		}
		if err := tx.LockChain(j.agent, session, expiresAt); err != nil {
			return fmt.Errorf("%w: %v", ErrChainLocked, err)
		}
		return nil
	})
}

// Unlock clears the countersigning lock (abandon path).
func (j *Journal) Unlock(ctx context.Context) error {
	return j.store.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.UnlockChain(j.agent)
	})
}
