// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
	"github.com/weave-foundation/weave/lib/testutil"
)

type fakeClient struct {
	mu      sync.Mutex
	records map[hash.Hash]record.Record
	failing map[hash.Hash]bool // keyed by peer agent
	calls   int
}

func (c *fakeClient) FetchRecord(ctx context.Context, peer store.Peer, h hash.Hash) (record.Record, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.failing[peer.Agent] {
		return record.Record{}, false, fmt.Errorf("connection refused")
	}
	rec, ok := c.records[h]
	return rec, ok, nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeDirectory struct {
	peers []store.Peer
}

func (d *fakeDirectory) CandidatePeers(ctx context.Context, h hash.Hash) ([]store.Peer, error) {
	return d.peers, nil
}

func signedRecord(t *testing.T, payload []byte) (record.Record, hash.Hash) {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(0x60 + i)
	}
	private := ed25519.NewKeyFromSeed(seed)
	agent, err := hash.FromAgentKey(private.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatal(err)
	}
	entry := &record.Entry{
		Kind: record.KindApp,
		App: &record.AppEntry{
			Type:  record.AppEntryType{Visibility: record.Public},
			Bytes: payload,
		},
	}
	builder := record.Builder{Type: record.TypeCreate, Entry: entry}
	action, built, err := builder.Build(agent, 1_000_000, 0, hash.Hash{})
	if err != nil {
		t.Fatal(err)
	}
	data, err := action.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	rec := record.Record{
		SignedAction: record.SignedAction{Action: action, Signature: ed25519.Sign(private, data)},
		Entry:        built,
	}
	actionHash, err := rec.ActionHash()
	if err != nil {
		t.Fatal(err)
	}
	return rec, actionHash
}

type fixture struct {
	pool    *Pool
	cache   *store.Store
	peers   *store.Store
	client  *fakeClient
	fetched chan hash.Hash
}

func newFixture(t *testing.T, client *fakeClient, candidates []store.Peer) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	cache, err := store.Open(store.Config{Path: filepath.Join(dir, "cache.sqlite3"), Kind: store.Cache})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cache.Close() })

	peers, err := store.Open(store.Config{Path: filepath.Join(dir, "peers.sqlite3"), Kind: store.PeerMeta})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { peers.Close() })

	err = peers.WriteTx(ctx, func(tx *store.Tx) error {
		for _, peer := range candidates {
			if err := tx.UpsertPeer(peer); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	fetched := make(chan hash.Hash, 16)
	pool, err := New(Config{
		Cache:     cache,
		Peers:     peers,
		Directory: &fakeDirectory{peers: candidates},
		Client:    client,
		Workers:   2,
		OnFetched: func(h hash.Hash) { fetched <- h },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	return &fixture{pool: pool, cache: cache, peers: peers, client: client, fetched: fetched}
}

func testPeer(name string) store.Peer {
	return store.Peer{
		Agent:     hash.Sum(hash.Agent, []byte(name)),
		ArcLength: 1 << 32,
		URL:       "wss://" + name + ".example",
	}
}

func TestFetchWritesToCache(t *testing.T) {
	rec, actionHash := signedRecord(t, []byte("remote data"))
	peer := testPeer("holder")
	client := &fakeClient{records: map[hash.Hash]record.Record{actionHash: rec}}
	f := newFixture(t, client, []store.Peer{peer})
	ctx := context.Background()

	f.pool.Enqueue(actionHash)
	got := testutil.Receive(t, f.fetched, 5*time.Second, "waiting for fetch")
	if got != actionHash {
		t.Fatalf("fetched %s, want %s", got, actionHash)
	}

	stored, found, err := f.cache.Record(ctx, actionHash)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("fetched record not in cache")
	}
	if stored.Entry == nil || string(stored.Entry.App.Bytes) != "remote data" {
		t.Fatal("cached record lost its entry")
	}

	// The serving peer's bookkeeping is credited.
	info, found, err := f.peers.Peer(ctx, peer.Agent)
	if err != nil || !found {
		t.Fatalf("peer row missing: %v", err)
	}
	if info.Failures != 0 || info.LastSeen == 0 {
		t.Fatalf("peer not credited: %+v", info)
	}
}

func TestRecentHashesSuppressed(t *testing.T) {
	rec, actionHash := signedRecord(t, []byte("once"))
	peer := testPeer("holder")
	client := &fakeClient{records: map[hash.Hash]record.Record{actionHash: rec}}
	f := newFixture(t, client, []store.Peer{peer})

	f.pool.Enqueue(actionHash)
	testutil.Receive(t, f.fetched, 5*time.Second, "first fetch")
	calls := f.client.callCount()

	// A repeat request for a hash already fetched is a no-op.
	f.pool.Enqueue(actionHash)
	time.Sleep(50 * time.Millisecond)
	if got := f.client.callCount(); got != calls {
		t.Fatalf("suppressed enqueue reached the client: %d calls, want %d", got, calls)
	}
}

func TestFailingPeerAccruesBackoff(t *testing.T) {
	rec, actionHash := signedRecord(t, []byte("via backup"))
	flaky := testPeer("flaky")
	backup := testPeer("backup")
	client := &fakeClient{
		records: map[hash.Hash]record.Record{actionHash: rec},
		failing: map[hash.Hash]bool{flaky.Agent: true},
	}
	f := newFixture(t, client, []store.Peer{flaky, backup})
	ctx := context.Background()

	f.pool.Enqueue(actionHash)
	testutil.Receive(t, f.fetched, 5*time.Second, "fetch via backup")

	info, found, err := f.peers.Peer(ctx, flaky.Agent)
	if err != nil || !found {
		t.Fatalf("flaky peer row missing: %v", err)
	}
	if info.Failures != 1 {
		t.Fatalf("flaky peer failures = %d, want 1", info.Failures)
	}
	if info.BackoffUntil == 0 {
		t.Fatal("flaky peer has no backoff horizon")
	}

	// The record still arrived through the healthy peer.
	if _, found, _ := f.cache.Record(ctx, actionHash); !found {
		t.Fatal("record not fetched from backup peer")
	}
}

func TestMismatchedRecordRejected(t *testing.T) {
	// A peer serving real-looking content under the wrong address must
	// not poison the cache, earn credit, or suppress the hash.
	rec, actionHash := signedRecord(t, []byte("substituted content"))
	requested := hash.Sum(hash.Action, []byte("what was actually asked for"))
	peer := testPeer("forger")
	client := &fakeClient{records: map[hash.Hash]record.Record{requested: rec}}
	f := newFixture(t, client, []store.Peer{peer})
	ctx := context.Background()

	f.pool.Enqueue(requested)
	deadline := time.Now().Add(5 * time.Second)
	for f.client.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fetch attempt never reached the client")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, found, _ := f.cache.Record(ctx, requested); found {
		t.Fatal("mismatched record cached under the requested address")
	}
	if _, found, _ := f.cache.Record(ctx, actionHash); found {
		t.Fatal("mismatched record cached under its own address")
	}
	select {
	case h := <-f.fetched:
		t.Fatalf("OnFetched fired for rejected record: %s", h)
	default:
	}

	// The peer accrues backoff like any other bad transfer.
	for {
		info, found, err := f.peers.Peer(ctx, peer.Agent)
		if err != nil {
			t.Fatal(err)
		}
		if found && info.Failures == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("forging peer never penalized: %+v", info)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The requested hash stays fetchable: a later pass reaches the
	// client again instead of being suppressed.
	calls := f.client.callCount()
	for f.client.callCount() == calls {
		if time.Now().After(deadline) {
			t.Fatal("retry for mismatched hash was suppressed")
		}
		f.pool.Enqueue(requested)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnqueueDuringCloseDoesNotPanic(t *testing.T) {
	client := &fakeClient{records: map[hash.Hash]record.Record{}}
	f := newFixture(t, client, []store.Peer{testPeer("any")})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			f.pool.Enqueue(hash.Sum(hash.Action, []byte{byte(i), byte(i >> 8)}))
		}
	}()
	f.pool.Close()
	<-done
}

func TestAbsentHashLeavesPeersAlone(t *testing.T) {
	peer := testPeer("empty")
	client := &fakeClient{records: map[hash.Hash]record.Record{}}
	f := newFixture(t, client, []store.Peer{peer})
	ctx := context.Background()

	missing := hash.Sum(hash.Action, []byte("nowhere"))
	f.pool.Enqueue(missing)

	// Wait until the attempt has gone through the client.
	deadline := time.Now().Add(5 * time.Second)
	for f.client.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("fetch attempt never reached the client")
		}
		time.Sleep(10 * time.Millisecond)
	}

	info, found, err := f.peers.Peer(ctx, peer.Agent)
	if err != nil || !found {
		t.Fatalf("peer row missing: %v", err)
	}
	if info.Failures != 0 {
		t.Fatalf("not-found counted as failure: %+v", info)
	}
}
