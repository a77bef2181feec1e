// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package conductor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/weave-foundation/weave/lib/countersign"
	"github.com/weave-foundation/weave/lib/dispatch"
	"github.com/weave-foundation/weave/lib/fetch"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/journal"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/peerview"
	"github.com/weave-foundation/weave/lib/store"
	"github.com/weave-foundation/weave/lib/validate"
	"github.com/weave-foundation/weave/lib/workflow"
	"github.com/weave-foundation/weave/lib/zome"
)

// sessionExpiryInterval is how often a cell checks its countersigning
// session window.
const sessionExpiryInterval = time.Second

// cell is one running (app, agent) pair: its chain, stores, pipelines,
// and call path.
type cell struct {
	app    store.App
	module zome.Module

	authored *store.Store
	dht      *store.Store
	cache    *store.Store
	peers    *store.Store

	journal    *journal.Journal
	sessions   *countersign.Sessions
	dispatcher *dispatch.Dispatcher
	view       *peerview.View
	wf         *workflow.Cell
	pool       *fetch.Pool

	stop func()
}

// cellDir is where one app's stores live.
func (c *Conductor) cellDir(appID string) string {
	return filepath.Join(c.stateDir, "apps", appID)
}

// openCellStores opens (creating as needed) the four per-app stores.
func (c *Conductor) openCellStores(appID string) (authored, dht, cache, peers *store.Store, err error) {
	dir := c.cellDir(appID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("conductor: creating %s: %w", dir, err)
	}
	open := func(name string, kind store.Kind) (*store.Store, error) {
		return store.Open(store.Config{
			Path:   filepath.Join(dir, name),
			Kind:   kind,
			Logger: c.logger,
		})
	}
	if authored, err = open("authored.sqlite3", store.Authored); err != nil {
		return nil, nil, nil, nil, err
	}
	if dht, err = open("dht.sqlite3", store.DHT); err != nil {
		authored.Close()
		return nil, nil, nil, nil, err
	}
	if cache, err = open("cache.sqlite3", store.Cache); err != nil {
		authored.Close()
		dht.Close()
		return nil, nil, nil, nil, err
	}
	if peers, err = open("peers.sqlite3", store.PeerMeta); err != nil {
		authored.Close()
		dht.Close()
		cache.Close()
		return nil, nil, nil, nil, err
	}
	return authored, dht, cache, peers, nil
}

// buildCell wires one app's full runtime. The cell is not started.
func (c *Conductor) buildCell(app store.App) (*cell, error) {
	module, ok := c.modules[c.moduleNameFor(app.DnaHash)]
	if !ok {
		return nil, classifiedf(KindStructural, "no module registered for app %q", app.ID)
	}

	authored, dht, cacheStore, peers, err := c.openCellStores(app.ID)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*cell, error) {
		authored.Close()
		dht.Close()
		cacheStore.Close()
		peers.Close()
		return nil, err
	}

	j, err := journal.New(journal.Config{
		Agent:    app.Agent,
		Dna:      app.DnaHash,
		Store:    authored,
		Keystore: c.keys,
		Clock:    c.clock,
		Logger:   c.logger,
	})
	if err != nil {
		return nil, err
	}

	sessions, err := countersign.New(countersign.Config{
		Journal:  j,
		Store:    authored,
		Keystore: c.keys,
		Agent:    app.Agent,
		Clock:    c.clock,
		Logger:   c.logger,
	})
	if err != nil {
		return fail(err)
	}

	view, err := peerview.New(peerview.Config{
		Peers: peers,
		Self:  app.Agent,
		Arc:   peerview.FullArc(),
	})
	if err != nil {
		return fail(err)
	}

	manifest := module.Manifest()
	resolver := &validate.StoreResolver{Stores: []*store.Store{authored, dht, cacheStore}}

	// The cell value exists before its parts so the fetch callback can
	// reach the workflow set once it is wired in below.
	cl := &cell{app: app, module: module, authored: authored, dht: dht, cache: cacheStore, peers: peers}

	var pool *fetch.Pool
	var fetchQueue validate.FetchQueue
	if c.cfg.FetchClient != nil {
		pool, err = fetch.New(fetch.Config{
			Cache:     cacheStore,
			Peers:     peers,
			Directory: view,
			Client:    c.cfg.FetchClient,
			Clock:     c.clock,
			Logger:    c.logger,
			OnFetched: func(h hash.Hash) {
				if cl.wf != nil {
					cl.wf.FireValidation()
				}
			},
		})
		if err != nil {
			return fail(err)
		}
		fetchQueue = pool
	}

	// A warrant naming this cell's own agent is fatal for the cell:
	// the identity is burned network-wide. Disabling runs off the
	// workflow goroutine so the pipeline can finish its batch.
	onSelfWarrant := func(w op.Warrant) {
		go c.disableApp(context.Background(), app.ID, "warrant against local agent")
	}
	engine := func(s *store.Store) (*validate.Engine, error) {
		return validate.New(validate.Config{
			Store:         s,
			App:           module,
			Rules:         manifest,
			Resolver:      resolver,
			Fetch:         fetchQueue,
			Keystore:      c.keys,
			Agent:         app.Agent,
			Clock:         c.clock,
			Logger:        c.logger,
			OnSelfWarrant: onSelfWarrant,
		})
	}
	authoredEngine, err := engine(authored)
	if err != nil {
		return fail(err)
	}
	dhtEngine, err := engine(dht)
	if err != nil {
		return fail(err)
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Agent:    app.Agent,
		Dna:      app.DnaHash,
		Module:   module,
		Journal:  j,
		Authored: authored,
		DHT:      dht,
		Cache:    cacheStore,
		Keystore: c.keys,
		Sessions: sessions,
		Emit: func(signal zome.Signal) {
			c.signals.publish(AppSignal{App: app.ID, Zome: signal.Zome, Payload: signal.Payload})
		},
		Router: c,
		Clock:  c.clock,
		Logger: c.logger,
	})
	if err != nil {
		return fail(err)
	}

	wf, err := workflow.NewCell(workflow.CellConfig{
		Agent:          app.Agent,
		Authored:       authored,
		DHT:            dht,
		PeerMeta:       peers,
		AuthoredEngine: authoredEngine,
		DHTEngine:      dhtEngine,
		View:           view,
		Exchange:       c.cfg.Exchange,
		Invoker:        dispatcher.InvokeScheduled,
		Clock:          c.clock,
		Logger:         c.logger,
	})
	if err != nil {
		return fail(err)
	}

	cl.journal = j
	cl.sessions = sessions
	cl.dispatcher = dispatcher
	cl.view = view
	cl.wf = wf
	cl.pool = pool
	return cl, nil
}

// start runs the cell's workflows, fetched-op revalidation, and
// session expiry until stop is called.
func (cl *cell) start(ctx context.Context, c *Conductor) {
	ctx, cancel := context.WithCancel(ctx)
	stopWorkflows := cl.wf.Start(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := c.clock.NewTicker(sessionExpiryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := cl.sessions.ExpireDue(ctx); err != nil && ctx.Err() == nil {
					c.logger.Warn("session expiry failed", "app", cl.app.ID, "error", err)
				}
			}
		}
	}()

	cl.stop = func() {
		cancel()
		stopWorkflows()
		<-done
		if cl.pool != nil {
			cl.pool.Close()
		}
	}
}

// close stops the cell if running and releases its stores.
func (cl *cell) close() {
	if cl.stop != nil {
		cl.stop()
		cl.stop = nil
	}
	cl.authored.Close()
	cl.dht.Close()
	cl.cache.Close()
	cl.peers.Close()
}
