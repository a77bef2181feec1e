// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/keystore"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/secret"
	"github.com/weave-foundation/weave/lib/store"
)

type fixture struct {
	journal *Journal
	store   *store.Store
	keys    *keystore.Keystore
	clock   *clock.Fake
	agent   hash.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	passphrase, err := secret.FromBytes([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	keys, err := keystore.New(filepath.Join(dir, "seeds.age"), passphrase, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { keys.Close() })

	agent, err := keys.GenerateAgent(ctx)
	if err != nil {
		t.Fatal(err)
	}

	authored, err := store.Open(store.Config{
		Path: filepath.Join(dir, "authored.sqlite3"),
		Kind: store.Authored,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { authored.Close() })

	fake := clock.NewFake(time.UnixMicro(1_000_000))
	j, err := New(Config{
		Agent:    agent,
		Dna:      hash.Sum(hash.Dna, []byte("test-app")),
		Store:    authored,
		Keystore: keys,
		Clock:    fake,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{journal: j, store: authored, keys: keys, clock: fake, agent: agent}
}

func appEntry(bytes []byte) *record.Entry {
	return &record.Entry{
		Kind: record.KindApp,
		App: &record.AppEntry{
			Type:  record.AppEntryType{Visibility: record.Public},
			Bytes: bytes,
		},
	}
}

func TestGenesis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	records, err := f.journal.Genesis(ctx, []byte("proof"))
	if err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("genesis wrote %d records, want 3", len(records))
	}

	wantTypes := []record.ActionType{record.TypeDna, record.TypeCreate, record.TypeAgentValidation}
	var prev hash.Hash
	for i, rec := range records {
		action := &rec.SignedAction.Action
		if action.Type != wantTypes[i] {
			t.Errorf("record %d type %s, want %s", i, action.Type, wantTypes[i])
		}
		if action.Seq != uint32(i) {
			t.Errorf("record %d seq %d", i, action.Seq)
		}
		if action.Prev != prev {
			t.Errorf("record %d prev does not link", i)
		}
		if err := rec.SignedAction.VerifyAuthor(); err != nil {
			t.Errorf("record %d signature: %v", i, err)
		}
		prev, _ = rec.ActionHash()
	}

	// The agent entry must hash to the agent's own address.
	ref, ok := records[1].SignedAction.Action.EntryRef()
	if !ok || ref.EntryHash != f.agent {
		t.Fatal("agent entry does not hash to agent address")
	}
	if records[2].SignedAction.Action.AgentValidation == nil ||
		string(records[2].SignedAction.Action.AgentValidation.MembraneProof) != "proof" {
		t.Fatal("membrane proof not carried")
	}

	if _, err := f.journal.Genesis(ctx, nil); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("second genesis error = %v, want ErrNotEmpty", err)
	}
}

func TestAppendStrictHeadMoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.journal.Genesis(ctx, nil); err != nil {
		t.Fatal(err)
	}
	head, _, err := f.journal.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// First append at the observed head succeeds.
	builders := []record.Builder{{Type: record.TypeCreate, Entry: appEntry([]byte("a"))}}
	if _, err := f.journal.Append(ctx, head.Hash, builders, Strict); err != nil {
		t.Fatalf("strict append: %v", err)
	}

	// Second append against the stale head must fail.
	builders = []record.Builder{{Type: record.TypeCreate, Entry: appEntry([]byte("b"))}}
	if _, err := f.journal.Append(ctx, head.Hash, builders, Strict); !errors.Is(err, ErrHeadMoved) {
		t.Fatalf("stale strict append error = %v, want ErrHeadMoved", err)
	}

	// Relaxed append ignores the stale observation.
	records, err := f.journal.Append(ctx, head.Hash, builders, Relaxed)
	if err != nil {
		t.Fatalf("relaxed append: %v", err)
	}
	if records[0].SignedAction.Action.Seq != 4 {
		t.Fatalf("relaxed append landed at seq %d, want 4", records[0].SignedAction.Action.Seq)
	}
}

func TestAppendRejectsInvalidBuilder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.journal.Genesis(ctx, nil); err != nil {
		t.Fatal(err)
	}
	head, _, _ := f.journal.Head(ctx)

	_, err := f.journal.Append(ctx, head.Hash, []record.Builder{{Type: record.TypeCreate}}, Strict)
	if !errors.Is(err, ErrInvalidBuilder) {
		t.Fatalf("error = %v, want ErrInvalidBuilder", err)
	}

	// Nothing was written.
	after, _, _ := f.journal.Head(ctx)
	if after.Hash != head.Hash {
		t.Fatal("failed append advanced the head")
	}
}

func TestTimestampsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.journal.Genesis(ctx, nil); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(10 * time.Second)
	head, _, _ := f.journal.Head(ctx)
	records, err := f.journal.Append(ctx, head.Hash,
		[]record.Builder{{Type: record.TypeCreate, Entry: appEntry([]byte("later"))}}, Strict)
	if err != nil {
		t.Fatal(err)
	}
	later := records[0].SignedAction.Action.Timestamp

	// A clock that runs backwards must not produce a regressing chain
	// timestamp: the head's timestamp is the floor.
	backwards := clock.NewFake(time.UnixMicro(500))
	j, err := New(Config{
		Agent: f.agent, Dna: f.journal.Dna(), Store: f.store, Keystore: f.keys, Clock: backwards,
	})
	if err != nil {
		t.Fatal(err)
	}
	head, _, _ = j.Head(ctx)
	records, err = j.Append(ctx, head.Hash,
		[]record.Builder{{Type: record.TypeCreate, Entry: appEntry([]byte("clamped"))}}, Strict)
	if err != nil {
		t.Fatal(err)
	}
	if got := records[0].SignedAction.Action.Timestamp; got < later {
		t.Fatalf("timestamp regressed: %d < %d", got, later)
	}
}

func TestChainLockBlocksAppends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.journal.Genesis(ctx, nil); err != nil {
		t.Fatal(err)
	}
	head, _, _ := f.journal.Head(ctx)

	session := hash.Sum(hash.Entry, []byte("session"))
	expires := f.clock.Now().Add(time.Minute).UnixMicro()
	if err := f.journal.Lock(ctx, session, expires); err != nil {
		t.Fatalf("Lock: %v", err)
	}

	builders := []record.Builder{{Type: record.TypeCreate, Entry: appEntry([]byte("x"))}}
	if _, err := f.journal.Append(ctx, head.Hash, builders, Strict); !errors.Is(err, ErrChainLocked) {
		t.Fatalf("locked append error = %v, want ErrChainLocked", err)
	}

	// A second session cannot take the live lock.
	other := hash.Sum(hash.Entry, []byte("other"))
	if err := f.journal.Lock(ctx, other, expires); !errors.Is(err, ErrChainLocked) {
		t.Fatalf("second Lock error = %v, want ErrChainLocked", err)
	}

	// After expiry, ordinary appends flow again (the abandon path).
	f.clock.Advance(2 * time.Minute)
	if _, err := f.journal.Append(ctx, head.Hash, builders, Strict); err != nil {
		t.Fatalf("append after lock expiry: %v", err)
	}
	if err := f.journal.Unlock(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestAppendCountersigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.journal.Genesis(ctx, nil); err != nil {
		t.Fatal(err)
	}

	other := hash.Sum(hash.Agent, []byte("counterparty"))
	now := f.clock.Now().UnixMicro()
	session := record.CounterSession{
		Fingerprint: hash.Sum(hash.Entry, []byte("intent")),
		Start:       now,
		End:         now + int64(time.Minute/time.Microsecond),
		Signers:     []record.SessionSigner{{Agent: f.agent}, {Agent: other}},
		Enzyme:      -1,
	}
	entry := &record.Entry{
		Kind:          record.KindCountersigned,
		Countersigned: &record.CountersignedEntry{Session: session, Bytes: []byte("shared state")},
	}
	entryHash, err := entry.Hash()
	if err != nil {
		t.Fatal(err)
	}

	// The shared action: first signer authors it, chain-positional
	// fields zeroed so it is identical on every signer's chain.
	action := record.Action{
		Type:      record.TypeCreate,
		Author:    f.agent,
		Timestamp: now,
		Create: &record.CreatePayload{
			Entry: record.EntryRef{EntryHash: entryHash, EntryKind: record.KindCountersigned},
		},
	}

	// Without the lock the commit is refused.
	if _, err := f.journal.AppendCountersigned(ctx, action, entry); err == nil {
		t.Fatal("countersigned commit without lock accepted")
	}

	if err := f.journal.Lock(ctx, session.Fingerprint, session.End); err != nil {
		t.Fatal(err)
	}
	rec, err := f.journal.AppendCountersigned(ctx, action, entry)
	if err != nil {
		t.Fatalf("AppendCountersigned: %v", err)
	}
	if err := rec.SignedAction.VerifyAuthor(); err != nil {
		t.Fatalf("countersigned signature: %v", err)
	}

	// Lock released; ordinary appends flow.
	head, _, _ := f.journal.Head(ctx)
	if _, err := f.journal.Append(ctx, head.Hash,
		[]record.Builder{{Type: record.TypeCreate, Entry: appEntry([]byte("after"))}}, Strict); err != nil {
		t.Fatalf("append after countersigned commit: %v", err)
	}
}
