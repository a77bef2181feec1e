// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 1024
	defaultBackoff   = 5 * time.Second
	maxBackoff       = 10 * time.Minute

	// recentCap bounds the suppression set of already-fetched hashes.
	recentCap = 4096
)

// Client transfers one record from a remote peer.
type Client interface {
	FetchRecord(ctx context.Context, peer store.Peer, h hash.Hash) (record.Record, bool, error)
}

// Directory names the peers worth asking for a hash, typically the
// authorities whose arcs cover its location.
type Directory interface {
	CandidatePeers(ctx context.Context, h hash.Hash) ([]store.Peer, error)
}

// Config holds a pool's collaborators.
type Config struct {
	// Cache receives fetched records. Required.
	Cache *store.Store

	// Peers is the peer-meta store carrying backoff bookkeeping.
	// Required.
	Peers *store.Store

	// Directory selects candidate peers per hash. Required.
	Directory Directory

	// Client performs the transfers. Required.
	Client Client

	// Workers is the number of concurrent fetchers. Defaults to 4.
	Workers int

	// QueueSize bounds the request queue; enqueues beyond it are
	// dropped (validation re-enqueues on its next attempt). Defaults
	// to 1024.
	QueueSize int

	// Backoff is the base failure backoff, doubled per consecutive
	// failure up to ten minutes. Defaults to five seconds.
	Backoff time.Duration

	// Clock provides time. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives fetch events. Nil discards them.
	Logger *slog.Logger

	// OnFetched fires after a record lands in the cache, so workflow
	// loops can re-trigger validation.
	OnFetched func(h hash.Hash)
}

// Pool is the bounded fetch worker set.
type Pool struct {
	cache     *store.Store
	peers     *store.Store
	directory Directory
	client    Client
	backoff   time.Duration
	clock     clock.Clock
	logger    *slog.Logger
	onFetched func(hash.Hash)

	queue chan hash.Hash

	mu       sync.Mutex
	inflight map[hash.Hash]struct{}
	recent   map[hash.Hash]struct{}
	order    []hash.Hash
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the configuration and starts the workers.
func New(cfg Config) (*Pool, error) {
	if cfg.Cache == nil || cfg.Peers == nil {
		return nil, fmt.Errorf("fetch: Cache and Peers stores are required")
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("fetch: Directory is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("fetch: Client is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cache:     cfg.Cache,
		peers:     cfg.Peers,
		directory: cfg.Directory,
		client:    cfg.Client,
		backoff:   backoff,
		clock:     clk,
		logger:    logger.With("component", "fetch"),
		onFetched: cfg.OnFetched,
		queue:     make(chan hash.Hash, queueSize),
		inflight:  make(map[hash.Hash]struct{}),
		recent:    make(map[hash.Hash]struct{}),
		cancel:    cancel,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	return p, nil
}

// Enqueue requests a hash. Duplicate and recently fetched hashes are
// ignored; a full queue drops the request (the caller retries on its
// next validation pass).
func (p *Pool) Enqueue(h hash.Hash) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, busy := p.inflight[h]; busy {
		p.mu.Unlock()
		return
	}
	if _, done := p.recent[h]; done {
		p.mu.Unlock()
		return
	}
	// The non-blocking send happens under mu so Close cannot close the
	// queue between the closed check and the send.
	dropped := false
	select {
	case p.queue <- h:
		p.inflight[h] = struct{}{}
	default:
		dropped = true
	}
	p.mu.Unlock()
	if dropped {
		p.logger.Warn("fetch queue full, dropping request", "hash", h)
	}
}

// Close stops the workers and waits for them to drain.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	close(p.queue)
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for h := range p.queue {
		if ctx.Err() != nil {
			return
		}
		p.fetchOne(ctx, h)
		p.mu.Lock()
		delete(p.inflight, h)
		p.mu.Unlock()
	}
}

// fetchOne asks the candidate peers in order until one serves the
// hash. Transport failures accrue backoff against the peer; a peer
// that simply does not hold the data is left alone.
func (p *Pool) fetchOne(ctx context.Context, h hash.Hash) {
	candidates, err := p.directory.CandidatePeers(ctx, h)
	if err != nil {
		p.logger.Warn("peer selection failed", "hash", h, "error", err)
		return
	}
	now := p.clock.Now().UnixMicro()

	for _, peer := range candidates {
		if peer.BackoffUntil > now {
			continue
		}
		rec, found, err := p.client.FetchRecord(ctx, peer, h)
		if err != nil {
			p.penalize(ctx, peer)
			continue
		}
		if !found {
			continue
		}
		if err := p.admit(ctx, peer, h, rec); err != nil {
			p.logger.Warn("fetched record rejected", "hash", h, "peer", peer.Agent, "error", err)
			continue
		}
		return
	}
	p.logger.Debug("no peer served hash", "hash", h, "candidates", len(candidates))
}

// admit writes a fetched record to the cache, credits the serving
// peer, and marks the hash recently fetched. The record must actually
// hash to the requested address; anything else is a peer substituting
// content and is penalized without suppressing the hash, so the next
// pass can try an honest peer.
func (p *Pool) admit(ctx context.Context, peer store.Peer, h hash.Hash, rec record.Record) error {
	if err := rec.CheckShape(); err != nil {
		// A peer serving malformed data is treated like a transport
		// failure.
		p.penalize(ctx, peer)
		return fmt.Errorf("fetch: peer %s served malformed record: %w", peer.Agent, err)
	}
	if err := p.verifyAddress(h, rec); err != nil {
		p.penalize(ctx, peer)
		return fmt.Errorf("fetch: peer %s: %w", peer.Agent, err)
	}
	err := p.cache.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.PutRecord(rec)
	})
	if err != nil {
		return err
	}
	err = p.peers.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.RecordPeerSuccess(peer.Agent, p.clock.Now().UnixMicro())
	})
	if err != nil {
		p.logger.Warn("peer bookkeeping failed", "peer", peer.Agent, "error", err)
	}

	p.mu.Lock()
	p.remember(h)
	p.mu.Unlock()

	p.logger.Debug("fetched", "hash", h, "peer", peer.Agent)
	if p.onFetched != nil {
		p.onFetched(h)
	}
	return nil
}

// verifyAddress checks that rec is the content the requested address
// names: either its action hashes to h, or it carries an entry that
// does.
func (p *Pool) verifyAddress(h hash.Hash, rec record.Record) error {
	actionHash, err := rec.ActionHash()
	if err != nil {
		return fmt.Errorf("hashing served action: %w", err)
	}
	if actionHash == h {
		return nil
	}
	if rec.Entry != nil {
		entryHash, err := rec.Entry.Hash()
		if err != nil {
			return fmt.Errorf("hashing served entry: %w", err)
		}
		if entryHash == h {
			return nil
		}
	}
	return fmt.Errorf("served record %s for requested address %s", actionHash, h)
}

// penalize doubles the peer's backoff per consecutive failure, capped
// at ten minutes.
func (p *Pool) penalize(ctx context.Context, peer store.Peer) {
	wait := p.backoff << uint(peer.Failures)
	if wait > maxBackoff || wait <= 0 {
		wait = maxBackoff
	}
	until := p.clock.Now().Add(wait).UnixMicro()
	err := p.peers.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.RecordPeerFailure(peer.Agent, until)
	})
	if err != nil {
		p.logger.Warn("peer bookkeeping failed", "peer", peer.Agent, "error", err)
	}
}

// remember adds a hash to the suppression set, evicting the oldest
// entry once the set is full. Caller holds mu.
func (p *Pool) remember(h hash.Hash) {
	if _, ok := p.recent[h]; ok {
		return
	}
	if len(p.order) >= recentCap {
		oldest := p.order[0]
		p.order = p.order[1:]
		delete(p.recent, oldest)
	}
	p.recent[h] = struct{}{}
	p.order = append(p.order, h)
}
