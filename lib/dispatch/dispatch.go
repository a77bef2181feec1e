// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/weave-foundation/weave/lib/capability"
	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/countersign"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/journal"
	"github.com/weave-foundation/weave/lib/keystore"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
	"github.com/weave-foundation/weave/lib/zome"
)

var (
	// ErrUnauthorized is returned when no live grant covers the call.
	ErrUnauthorized = capability.ErrUnauthorized

	// ErrSessionActive is returned when the cell's chain is locked by
	// a countersigning session.
	ErrSessionActive = errors.New("dispatch: countersigning session active")

	// ErrTooManyRetries is returned when the chain tip keeps moving
	// out from under the call.
	ErrTooManyRetries = errors.New("dispatch: chain head kept moving")
)

const defaultMaxRetries = 3

// Router resolves calls that leave the cell. The conductor implements
// it over its cell table.
type Router interface {
	Route(ctx context.Context, provenance hash.Hash, target zome.CallTarget) ([]byte, error)
}

// Call is one inbound invocation.
type Call struct {
	// Provenance is the calling agent; Secret is the capability secret
	// it presents, if any.
	Provenance hash.Hash
	Secret     []byte

	Zome     string
	Function string
	Payload  []byte
}

// Config assembles a dispatcher for one cell.
type Config struct {
	Agent  hash.Hash
	Dna    hash.Hash
	Module zome.Module

	Journal  *journal.Journal
	Authored *store.Store
	DHT      *store.Store
	Cache    *store.Store
	Keystore *keystore.Keystore

	// Sessions is the cell's countersigning manager; nil disables
	// preflight acceptance.
	Sessions *countersign.Sessions

	// Emit receives module signals; nil drops them.
	Emit zome.SignalEmitter

	// Router resolves cross-cell calls; nil confines calls to this
	// cell.
	Router Router

	// MaxRetries bounds head-moved re-invocations. Defaults to 3.
	MaxRetries int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Dispatcher runs calls against one cell.
type Dispatcher struct {
	agent      hash.Hash
	dna        hash.Hash
	module     zome.Module
	manifest   zome.Manifest
	journal    *journal.Journal
	authored   *store.Store
	dht        *store.Store
	cache      *store.Store
	keys       *keystore.Keystore
	authorizer *capability.Authorizer
	sessions   *countersign.Sessions
	emit       zome.SignalEmitter
	router     Router
	maxRetries int
	clock      clock.Clock
	logger     *slog.Logger
}

// New validates the configuration and returns the cell's dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Module == nil {
		return nil, fmt.Errorf("dispatch: module is required")
	}
	manifest := cfg.Module.Manifest()
	if err := manifest.Check(); err != nil {
		return nil, err
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("dispatch: journal is required")
	}
	if cfg.Authored == nil {
		return nil, fmt.Errorf("dispatch: authored store is required")
	}
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("dispatch: keystore is required")
	}
	authorizer, err := capability.New(cfg.Authored, cfg.Agent)
	if err != nil {
		return nil, err
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		agent:      cfg.Agent,
		dna:        cfg.Dna,
		module:     cfg.Module,
		manifest:   manifest,
		journal:    cfg.Journal,
		authored:   cfg.Authored,
		dht:        cfg.DHT,
		cache:      cfg.Cache,
		keys:       cfg.Keystore,
		authorizer: authorizer,
		sessions:   cfg.Sessions,
		emit:       cfg.Emit,
		router:     cfg.Router,
		maxRetries: retries,
		clock:      clk,
		logger:     logger.With("component", "dispatch", "dna", cfg.Dna),
	}, nil
}

// Agent returns the cell's agent address.
func (d *Dispatcher) Agent() hash.Hash { return d.agent }

// Call authorizes and runs one invocation. The module executes over a
// snapshot of the chain head; its writes land atomically or not at
// all. When the head moves between snapshot and commit the module is
// re-invoked from scratch over the new head, up to the retry bound.
// Functions the manifest tags public skip the capability check.
func (d *Dispatcher) Call(ctx context.Context, call Call) ([]byte, error) {
	if !d.manifest.FunctionPublic(call.Zome, call.Function) {
		err := d.authorizer.Authorize(ctx, capability.Call{
			Provenance: call.Provenance,
			Secret:     call.Secret,
			Zome:       call.Zome,
			Function:   call.Function,
		})
		if err != nil {
			return nil, err
		}
	}
	if !d.manifest.HasFunction(call.Zome, call.Function) {
		return nil, fmt.Errorf("%w: %s/%s", zome.ErrNoSuchFunction, call.Zome, call.Function)
	}

	for attempt := 0; attempt < d.maxRetries; attempt++ {
		result, retry, err := d.attempt(ctx, call)
		if err != nil {
			return nil, err
		}
		if !retry {
			return result, nil
		}
		d.logger.Debug("chain head moved during call, re-invoking",
			"zome", call.Zome, "function", call.Function, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: %s/%s after %d attempts",
		ErrTooManyRetries, call.Zome, call.Function, d.maxRetries)
}

// attempt runs the module once over the current head. A true retry
// return means the commit lost the tip race and the caller should
// re-invoke.
func (d *Dispatcher) attempt(ctx context.Context, call Call) (result []byte, retry bool, err error) {
	head, exists, err := d.journal.Head(ctx)
	if err != nil {
		return nil, false, err
	}
	scratch := zome.NewScratch(d.agent, head, exists, d.clock.Now().UnixMicro())

	var preflight zome.PreflightAcceptor
	if d.sessions != nil {
		preflight = d.sessions
	}
	host, err := zome.NewHost(zome.HostConfig{
		Agent:     d.agent,
		Dna:       d.dna,
		Zome:      call.Zome,
		Manifest:  d.manifest,
		Authored:  d.authored,
		DHT:       d.dht,
		Cache:     d.cache,
		Keystore:  d.keys,
		Scratch:   scratch,
		Clock:     d.clock,
		Emit:      d.emit,
		Call:      d.route,
		Preflight: preflight,
		Logger:    d.logger,
	})
	if err != nil {
		return nil, false, err
	}

	result, err = d.module.Invoke(ctx, host, call.Function, call.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("dispatch: %s/%s: %w", call.Zome, call.Function, err)
	}

	prepared := scratch.Prepared()
	schedules := scratch.Schedules()
	if len(prepared) == 0 && len(schedules) == 0 {
		return result, false, nil
	}

	if err := d.checkScratch(prepared); err != nil {
		return nil, false, err
	}

	if len(prepared) > 0 {
		_, err = d.journal.AppendPrepared(ctx, prepared)
		switch {
		case errors.Is(err, journal.ErrHeadMoved):
			return nil, true, nil
		case errors.Is(err, journal.ErrChainLocked):
			return nil, false, fmt.Errorf("%w: %v", ErrSessionActive, err)
		case err != nil:
			return nil, false, err
		}
	}

	if len(schedules) > 0 {
		err = d.authored.WriteTx(ctx, func(tx *store.Tx) error {
			for _, fn := range schedules {
				if err := tx.PutScheduledFn(fn); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, false, err
		}
	}
	return result, false, nil
}

// checkScratch rejects writes the validation pipeline would reject
// anyway, before they reach the chain: malformed actions and types the
// app never declared.
func (d *Dispatcher) checkScratch(prepared []journal.Prepared) error {
	for i := range prepared {
		action := &prepared[i].Action
		if err := action.CheckShape(); err != nil {
			return fmt.Errorf("dispatch: scratch action %d: %w", i, err)
		}
		if action.Type == record.TypeCreateLink {
			link := action.CreateLink
			if !d.manifest.LinkTypeValid(link.ZomeIndex, link.LinkType) {
				return fmt.Errorf("dispatch: scratch action %d declares unknown link type %d/%d",
					i, link.ZomeIndex, link.LinkType)
			}
		}
		if ref, ok := action.EntryRef(); ok && ref.AppType != nil {
			if !d.manifest.EntryTypeValid(ref.AppType.ZomeIndex, ref.AppType.EntryIndex) {
				return fmt.Errorf("dispatch: scratch action %d declares unknown entry type %d/%d",
					i, ref.AppType.ZomeIndex, ref.AppType.EntryIndex)
			}
		}
	}
	return nil
}

// route handles nested calls from modules. Calls that name no other
// cell loop back into this dispatcher with the cell's own authority.
func (d *Dispatcher) route(ctx context.Context, target zome.CallTarget) ([]byte, error) {
	if target.Dna.IsZero() && target.Agent.IsZero() {
		return d.Call(ctx, Call{
			Provenance: d.agent,
			Secret:     target.Secret,
			Zome:       target.Zome,
			Function:   target.Function,
			Payload:    target.Payload,
		})
	}
	if d.router == nil {
		return nil, fmt.Errorf("dispatch: no route out of this cell")
	}
	return d.router.Route(ctx, d.agent, target)
}

// InvokeScheduled runs a scheduled function with the cell's own
// authority. The cell's scheduler workflow calls this.
func (d *Dispatcher) InvokeScheduled(ctx context.Context, zomeName, function string) error {
	_, err := d.Call(ctx, Call{
		Provenance: d.agent,
		Zome:       zomeName,
		Function:   function,
	})
	return err
}
