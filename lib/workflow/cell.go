// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/cron"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/peerview"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
	"github.com/weave-foundation/weave/lib/validate"
)

// Workflow names, used as trigger addresses.
const (
	ProduceOps = "produce_ops"
	Publish    = "publish"
	Receipt    = "receipt"
	Scheduled  = "scheduled"

	AuthoredSysValidation = "authored_sys_validation"
	AuthoredAppValidation = "authored_app_validation"
	AuthoredIntegrate     = "authored_integrate"

	DHTSysValidation = "dht_sys_validation"
	DHTAppValidation = "dht_app_validation"
	DHTIntegrate     = "dht_integrate"
)

const (
	// defaultReceiptTarget is how many validation receipts an author
	// collects per op before the publish loop stops pushing it.
	defaultReceiptTarget = 5

	// defaultRedundancy is how many authorities each op is pushed to
	// per publish pass.
	defaultRedundancy = 3

	defaultBatchSize        = 128
	defaultPublishInterval  = 5 * time.Second
	defaultScheduleInterval = time.Second
)

// ScheduledInvoker runs one scheduled application function.
type ScheduledInvoker func(ctx context.Context, zome, fn string) error

// CellConfig wires one cell's stores and engines into the workflow
// catalog.
type CellConfig struct {
	// Agent is the cell's local agent.
	Agent hash.Hash

	// Authored, DHT, and PeerMeta are the cell's stores. Required.
	Authored *store.Store
	DHT      *store.Store
	PeerMeta *store.Store

	// AuthoredEngine validates the cell's own ops; DHTEngine
	// validates ops held as an authority. Required.
	AuthoredEngine *validate.Engine
	DHTEngine      *validate.Engine

	// View answers authority questions. Required.
	View *peerview.View

	// Exchange pushes ops, receipts, and warrants to peers. Nil runs
	// the cell offline (everything else still works locally).
	Exchange peerview.Exchange

	// Invoker runs scheduled functions. Nil disables them.
	Invoker ScheduledInvoker

	// ReceiptTarget, Redundancy, and BatchSize default to 5, 3, 128.
	ReceiptTarget int
	Redundancy    int
	BatchSize     int

	// PublishInterval and ScheduleInterval default to 5s and 1s.
	PublishInterval  time.Duration
	ScheduleInterval time.Duration

	// Clock provides time. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives workflow events. Nil discards them.
	Logger *slog.Logger
}

// Cell owns the workflow loops of one (dna, agent) pair.
type Cell struct {
	cfg    CellConfig
	set    *Set
	clock  clock.Clock
	logger *slog.Logger
}

// NewCell builds the workflow catalog and subscribes it to the
// stores' post-commit hooks.
func NewCell(cfg CellConfig) (*Cell, error) {
	if cfg.Authored == nil || cfg.DHT == nil || cfg.PeerMeta == nil {
		return nil, fmt.Errorf("workflow: Authored, DHT, and PeerMeta stores are required")
	}
	if cfg.AuthoredEngine == nil || cfg.DHTEngine == nil {
		return nil, fmt.Errorf("workflow: both validation engines are required")
	}
	if cfg.View == nil {
		return nil, fmt.Errorf("workflow: View is required")
	}
	if cfg.ReceiptTarget <= 0 {
		cfg.ReceiptTarget = defaultReceiptTarget
	}
	if cfg.Redundancy <= 0 {
		cfg.Redundancy = defaultRedundancy
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = defaultPublishInterval
	}
	if cfg.ScheduleInterval <= 0 {
		cfg.ScheduleInterval = defaultScheduleInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Cell{
		cfg:    cfg,
		set:    NewSet(),
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "workflow"),
	}

	runners := []*Runner{
		NewRunner(ProduceOps, c.produceOps, 0, cfg.Clock, cfg.Logger),
		NewRunner(Publish, c.publish, cfg.PublishInterval, cfg.Clock, cfg.Logger),
		NewRunner(Receipt, c.sendReceipts, 0, cfg.Clock, cfg.Logger),

		NewRunner(AuthoredSysValidation, c.pipelineSys(cfg.AuthoredEngine, AuthoredAppValidation), 0, cfg.Clock, cfg.Logger),
		NewRunner(AuthoredAppValidation, c.pipelineApp(cfg.AuthoredEngine, AuthoredIntegrate), 0, cfg.Clock, cfg.Logger),
		NewRunner(AuthoredIntegrate, c.pipelineIntegrate(cfg.AuthoredEngine, ""), 0, cfg.Clock, cfg.Logger),

		NewRunner(DHTSysValidation, c.pipelineSys(cfg.DHTEngine, DHTAppValidation), 0, cfg.Clock, cfg.Logger),
		NewRunner(DHTAppValidation, c.pipelineApp(cfg.DHTEngine, DHTIntegrate), 0, cfg.Clock, cfg.Logger),
		NewRunner(DHTIntegrate, c.pipelineIntegrate(cfg.DHTEngine, Receipt), 0, cfg.Clock, cfg.Logger),
	}
	if cfg.Invoker != nil {
		runners = append(runners, NewRunner(Scheduled, c.runScheduled, cfg.ScheduleInterval, cfg.Clock, cfg.Logger))
	}
	for _, r := range runners {
		if err := c.set.Add(r); err != nil {
			return nil, err
		}
	}

	cfg.Authored.OnCommit(func(changes store.ChangeSet) {
		if changes.Has(store.ChangeActions) {
			c.set.Fire(ProduceOps)
		}
		if changes.Has(store.ChangeOps) {
			c.set.Fire(AuthoredSysValidation)
			c.set.Fire(Publish)
		}
		if changes.Has(store.ChangeScheduled) {
			c.set.Fire(Scheduled)
		}
	})
	cfg.DHT.OnCommit(func(changes store.ChangeSet) {
		if changes.Has(store.ChangeOps) {
			c.set.Fire(DHTSysValidation)
		}
	})

	return c, nil
}

// Start launches the loops; the returned stop function drains them.
func (c *Cell) Start(ctx context.Context) (stop func()) {
	return c.set.Start(ctx)
}

// Fire wakes a workflow by name (fetch completions and countersigning
// transitions poke validation this way).
func (c *Cell) Fire(name string) { c.set.Fire(name) }

// FireValidation wakes both validation pipelines, for use when new
// dependency data arrives in the cache.
func (c *Cell) FireValidation() {
	c.set.Fire(AuthoredSysValidation)
	c.set.Fire(DHTSysValidation)
}

// produceOps projects ops for records that have none yet. Every
// journal commit fires this; the ops enter the authored pipeline at
// pending and the publish queue.
func (c *Cell) produceOps(ctx context.Context) (bool, error) {
	records, err := c.cfg.Authored.RecordsWithoutOps(ctx, c.cfg.BatchSize)
	if err != nil {
		return false, fmt.Errorf("workflow: loading unprojected records: %w", err)
	}
	if len(records) == 0 {
		return false, nil
	}
	// Deleted entries are looked up in the authored store so a delete
	// of a private entry projects no entry-addressed op.
	visibility := op.EntryVisibility(func(entryHash hash.Hash) (record.Visibility, bool) {
		vis, found, err := c.cfg.Authored.EntryVisibility(ctx, entryHash)
		if err != nil || !found {
			return "", false
		}
		return vis, true
	})
	err = c.cfg.Authored.WriteTx(ctx, func(tx *store.Tx) error {
		for _, rec := range records {
			ops, err := op.ProduceWith(rec, visibility)
			if err != nil {
				return err
			}
			// Countersigned commits stay unpublished until the
			// session machinery releases them.
			withhold := rec.SignedAction.Action.IsCountersigned()
			if err := tx.PutOps(ops, op.Pending, withhold); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	c.logger.Debug("projected ops", "records", len(records))
	return len(records) == c.cfg.BatchSize, nil
}

// publish pushes authored ops short of receipt coverage to the
// authorities for their basis. Re-pushes ride the periodic tick;
// receipts arriving via the exchange shrink the queue.
func (c *Cell) publish(ctx context.Context) (bool, error) {
	ops, err := c.cfg.Authored.OpsNeedingPublish(ctx, c.cfg.ReceiptTarget, c.cfg.BatchSize)
	if err != nil {
		return false, fmt.Errorf("workflow: loading publish queue: %w", err)
	}
	if len(ops) == 0 {
		return false, nil
	}

	perPeer := make(map[hash.Hash][]op.Op)
	peerRows := make(map[hash.Hash]store.Peer)
	var selfServed []store.StoredOp

	for _, stored := range ops {
		if c.cfg.View.SelfCovers(stored.Basis) {
			selfServed = append(selfServed, stored)
		}
		authorities, err := c.cfg.View.Authorities(ctx, stored.Basis, c.cfg.Redundancy)
		if err != nil {
			return false, err
		}
		for _, peer := range authorities {
			perPeer[peer.Agent] = append(perPeer[peer.Agent], stored.Op)
			peerRows[peer.Agent] = peer
		}
	}

	// Self-delivery: an author inside its own basis arc is one of the
	// authorities and integrates through the DHT pipeline like anyone
	// else.
	if len(selfServed) > 0 {
		err := c.cfg.DHT.WriteTx(ctx, func(tx *store.Tx) error {
			for _, stored := range selfServed {
				if err := tx.PutOps([]op.Op{stored.Op}, op.Pending, false); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return false, err
		}
	}

	if c.cfg.Exchange != nil {
		for agent, batch := range perPeer {
			if err := c.cfg.Exchange.PushOps(ctx, peerRows[agent], batch); err != nil {
				c.logger.Warn("op push failed", "peer", agent, "error", err)
			}
		}
	}
	return false, nil
}

// sendReceipts returns signed attestations for ops this cell drove to
// a terminal stage as an authority.
func (c *Cell) sendReceipts(ctx context.Context) (bool, error) {
	ops, err := c.cfg.DHT.OpsNeedingReceipt(ctx, c.cfg.BatchSize)
	if err != nil {
		return false, fmt.Errorf("workflow: loading receipt queue: %w", err)
	}
	if len(ops) == 0 {
		return false, nil
	}

	for _, stored := range ops {
		status := op.StatusValid
		switch stored.Stage {
		case op.Rejected:
			status = op.StatusRejected
		case op.Abandoned:
			status = op.StatusAbandoned
		}
		receipt, err := c.cfg.DHTEngine.SignReceipt(ctx, stored.Hash, status)
		if err != nil {
			return false, err
		}

		author := stored.Op.SignedAction.Action.Author
		switch {
		case author == c.cfg.Agent:
			// Our own op: record the receipt directly.
			err := c.cfg.Authored.WriteTx(ctx, func(tx *store.Tx) error {
				return tx.PutReceipt(&receipt)
			})
			if err != nil {
				return false, err
			}
		case c.cfg.Exchange != nil:
			peer, found, err := c.cfg.PeerMeta.Peer(ctx, author)
			if err != nil {
				return false, err
			}
			if !found {
				c.logger.Debug("no route to op author for receipt", "author", author)
			} else if err := c.cfg.Exchange.SendReceipt(ctx, peer, receipt); err != nil {
				c.logger.Warn("receipt send failed", "author", author, "error", err)
				continue
			}
		}

		err = c.cfg.DHT.WriteTx(ctx, func(tx *store.Tx) error {
			return tx.MarkReceiptSent(stored.Hash)
		})
		if err != nil {
			return false, err
		}
	}
	return len(ops) == c.cfg.BatchSize, nil
}

// runScheduled fires due scheduled functions and advances their
// next-due times.
func (c *Cell) runScheduled(ctx context.Context) (bool, error) {
	now := c.clock.Now()
	due, err := c.cfg.Authored.DueScheduledFns(ctx, now.UnixMicro())
	if err != nil {
		return false, fmt.Errorf("workflow: loading due schedules: %w", err)
	}
	for _, fn := range due {
		if err := c.cfg.Invoker(ctx, fn.Zome, fn.Fn); err != nil {
			c.logger.Warn("scheduled function failed", "zome", fn.Zome, "fn", fn.Fn, "error", err)
		}
		next, err := nextFire(fn, now)
		if err != nil {
			// An unparseable schedule is removed rather than retried
			// forever.
			c.logger.Warn("removing malformed schedule", "zome", fn.Zome, "fn", fn.Fn, "error", err)
			err := c.cfg.Authored.WriteTx(ctx, func(tx *store.Tx) error {
				return tx.DeleteScheduledFn(fn.Zome, fn.Fn)
			})
			if err != nil {
				return false, err
			}
			continue
		}
		err = c.cfg.Authored.WriteTx(ctx, func(tx *store.Tx) error {
			return tx.SetScheduledNext(fn.Zome, fn.Fn, next.UnixMicro())
		})
		if err != nil {
			return false, err
		}
	}
	return false, nil
}

// nextFire computes a schedule's next due time after now.
func nextFire(fn store.ScheduledFn, now time.Time) (time.Time, error) {
	switch fn.Kind {
	case store.ScheduleInterval:
		interval, err := time.ParseDuration(fn.Expr)
		if err != nil || interval <= 0 {
			return time.Time{}, fmt.Errorf("workflow: bad interval %q: %v", fn.Expr, err)
		}
		return now.Add(interval), nil
	case store.ScheduleCron:
		schedule, err := cron.Parse(fn.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("workflow: bad cron expression %q: %w", fn.Expr, err)
		}
		return schedule.Next(now)
	default:
		return time.Time{}, fmt.Errorf("workflow: unknown schedule kind %q", fn.Kind)
	}
}

// pipelineSys wraps an engine's sys-validation batch, chaining the
// next stage's trigger when ops moved.
func (c *Cell) pipelineSys(engine *validate.Engine, next string) Func {
	return func(ctx context.Context) (bool, error) {
		moved, err := engine.SysValidateBatch(ctx)
		if err != nil {
			return false, err
		}
		if moved > 0 {
			c.set.Fire(next)
		}
		return moved > 0, nil
	}
}

func (c *Cell) pipelineApp(engine *validate.Engine, next string) Func {
	return func(ctx context.Context) (bool, error) {
		moved, err := engine.AppValidateBatch(ctx)
		if err != nil {
			return false, err
		}
		if moved > 0 {
			c.set.Fire(next)
		}
		return moved > 0, nil
	}
}

func (c *Cell) pipelineIntegrate(engine *validate.Engine, next string) Func {
	return func(ctx context.Context) (bool, error) {
		integrated, err := engine.IntegrateBatch(ctx)
		if err != nil {
			return false, err
		}
		if integrated > 0 && next != "" {
			c.set.Fire(next)
		}
		return integrated > 0, nil
	}
}
