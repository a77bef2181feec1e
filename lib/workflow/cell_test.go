// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/journal"
	"github.com/weave-foundation/weave/lib/keystore"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/peerview"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/secret"
	"github.com/weave-foundation/weave/lib/store"
	"github.com/weave-foundation/weave/lib/validate"
)

type fakeExchange struct {
	mu       sync.Mutex
	pushes   int
	receipts int
}

func (e *fakeExchange) PushOps(ctx context.Context, peer store.Peer, ops []op.Op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pushes += len(ops)
	return nil
}

func (e *fakeExchange) SendReceipt(ctx context.Context, peer store.Peer, receipt op.Receipt) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.receipts++
	return nil
}

func (e *fakeExchange) SendWarrant(ctx context.Context, peer store.Peer, warrant op.Warrant) error {
	return nil
}

func (e *fakeExchange) pushCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushes
}

type cellFixture struct {
	cell     *Cell
	journal  *journal.Journal
	authored *store.Store
	dht      *store.Store
	peers    *store.Store
	exchange *fakeExchange
	agent    hash.Hash
	invoked  chan string
}

func newCellFixture(t *testing.T) *cellFixture {
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

	open := func(name string, kind store.Kind) *store.Store {
		t.Helper()
		s, err := store.Open(store.Config{Path: filepath.Join(dir, name), Kind: kind})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	authored := open("authored.sqlite3", store.Authored)
	dht := open("dht.sqlite3", store.DHT)
	cache := open("cache.sqlite3", store.Cache)
	peers := open("peers.sqlite3", store.PeerMeta)

	j, err := journal.New(journal.Config{
		Agent:    agent,
		Dna:      hash.Sum(hash.Dna, []byte("workflow-test-app")),
		Store:    authored,
		Keystore: keys,
	})
	if err != nil {
		t.Fatal(err)
	}

	resolver := &validate.StoreResolver{Stores: []*store.Store{authored, dht, cache}}
	engine := func(s *store.Store) *validate.Engine {
		eng, err := validate.New(validate.Config{
			Store: s, Resolver: resolver, Keystore: keys, Agent: agent,
		})
		if err != nil {
			t.Fatal(err)
		}
		return eng
	}

	view, err := peerview.New(peerview.Config{Peers: peers, Self: agent, Arc: peerview.FullArc()})
	if err != nil {
		t.Fatal(err)
	}

	// One remote authority covering the whole ring, so publish has a
	// peer to push to.
	remote := store.Peer{
		Agent:     hash.Sum(hash.Agent, []byte("remote authority")),
		ArcLength: 1 << 32,
		URL:       "wss://remote.example",
	}
	err = peers.WriteTx(ctx, func(tx *store.Tx) error { return tx.UpsertPeer(remote) })
	if err != nil {
		t.Fatal(err)
	}

	exchange := &fakeExchange{}
	invoked := make(chan string, 64)
	cell, err := NewCell(CellConfig{
		Agent:          agent,
		Authored:       authored,
		DHT:            dht,
		PeerMeta:       peers,
		AuthoredEngine: engine(authored),
		DHTEngine:      engine(dht),
		View:           view,
		Exchange:       exchange,
		Invoker: func(ctx context.Context, zome, fn string) error {
			invoked <- zome + "/" + fn
			return nil
		},
		ReceiptTarget:    1,
		PublishInterval:  50 * time.Millisecond,
		ScheduleInterval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	return &cellFixture{
		cell: cell, journal: j, authored: authored, dht: dht,
		peers: peers, exchange: exchange, agent: agent, invoked: invoked,
	}
}

func waitFor(t *testing.T, what string, cond func() (bool, error)) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		ok, err := cond()
		if err != nil {
			t.Fatalf("%s: %v", what, err)
		}
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCommitFlowsThroughPipelines(t *testing.T) {
	f := newCellFixture(t)
	ctx := context.Background()

	stop := f.cell.Start(ctx)
	defer stop()

	if _, err := f.journal.Genesis(ctx, nil); err != nil {
		t.Fatal(err)
	}
	head, _, err := f.journal.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	entry := &record.Entry{
		Kind: record.KindApp,
		App: &record.AppEntry{
			Type:  record.AppEntryType{Visibility: record.Public},
			Bytes: []byte("workflow payload"),
		},
	}
	records, err := f.journal.Append(ctx, head.Hash,
		[]record.Builder{{Type: record.TypeCreate, Entry: entry}}, journal.Strict)
	if err != nil {
		t.Fatal(err)
	}
	actionHash, err := records[0].ActionHash()
	if err != nil {
		t.Fatal(err)
	}

	// The authored pipeline projects and integrates ops for every
	// committed record without further prompting.
	waitFor(t, "authored ops integrated", func() (bool, error) {
		pending, err := f.authored.OpsInStage(ctx, op.Pending, time.Now().UnixMicro(), 1)
		if err != nil {
			return false, err
		}
		stored, found, err := f.authored.Op(ctx, mustOpHash(t, records[0], op.StoreRecord))
		if err != nil {
			return false, err
		}
		return len(pending) == 0 && found && stored.Stage == op.Integrated, nil
	})

	// Self-coverage delivers the ops into the DHT pipeline.
	waitFor(t, "dht integration", func() (bool, error) {
		ops, err := f.dht.IntegratedOpsByBasis(ctx, actionHash)
		if err != nil {
			return false, err
		}
		return len(ops) == 1, nil
	})

	// The authority side returns a receipt; as our own author, it is
	// recorded directly and the publish queue drains.
	waitFor(t, "receipt coverage", func() (bool, error) {
		pendingPublish, err := f.authored.OpsNeedingPublish(ctx, 1, 1)
		if err != nil {
			return false, err
		}
		return len(pendingPublish) == 0, nil
	})

	if f.exchange.pushCount() == 0 {
		t.Fatal("no ops pushed to the remote authority")
	}
}

func mustOpHash(t *testing.T, rec record.Record, opType op.Type) hash.Hash {
	t.Helper()
	ops, err := op.Produce(rec)
	if err != nil {
		t.Fatal(err)
	}
	for i := range ops {
		if ops[i].Type == opType {
			h, err := ops[i].Hash()
			if err != nil {
				t.Fatal(err)
			}
			return h
		}
	}
	t.Fatalf("projection has no %s op", opType)
	panic("unreachable")
}

func TestScheduledFunctionsFire(t *testing.T) {
	f := newCellFixture(t)
	ctx := context.Background()

	err := f.authored.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.PutScheduledFn(store.ScheduledFn{
			Zome: "tasks", Fn: "tick", Kind: store.ScheduleInterval, Expr: "10ms", NextAt: 0,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := f.cell.Start(ctx)
	defer stop()

	deadline := time.After(10 * time.Second)
	for fired := 0; fired < 2; {
		select {
		case name := <-f.invoked:
			if name != "tasks/tick" {
				t.Fatalf("unexpected scheduled invocation %q", name)
			}
			fired++
		case <-deadline:
			t.Fatal("scheduled function did not fire twice")
		}
	}
}

func TestMalformedScheduleRemoved(t *testing.T) {
	f := newCellFixture(t)
	ctx := context.Background()

	err := f.authored.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.PutScheduledFn(store.ScheduledFn{
			Zome: "tasks", Fn: "broken", Kind: store.ScheduleCron, Expr: "not a cron line", NextAt: 0,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	stop := f.cell.Start(ctx)
	defer stop()

	waitFor(t, "malformed schedule removal", func() (bool, error) {
		due, err := f.authored.DueScheduledFns(ctx, time.Now().Add(time.Hour).UnixMicro())
		if err != nil {
			return false, err
		}
		return len(due) == 0, nil
	})
}
