// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/keystore"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
)

// defaultBatchSize bounds how many ops one validation pass loads.
const defaultBatchSize = 256

// Config holds an engine's collaborators.
type Config struct {
	// Store is the DHT store whose ops the engine moves. Required.
	Store *store.Store

	// App is the application's validation callback. Nil accepts
	// every op at the app stage.
	App AppValidator

	// Rules bounds declared type indices. Nil skips the bound checks.
	Rules Ruleset

	// Resolver finds prior actions for dependency checks. Nil parks
	// every dependent op.
	Resolver DepResolver

	// Fetch receives the hashes of missing dependencies. Nil drops
	// them; the op still parks and retries.
	Fetch FetchQueue

	// Keystore signs warrants and receipts as Agent. Required.
	Keystore *keystore.Keystore

	// Agent is the local validating agent. Required.
	Agent hash.Hash

	// Clock provides timestamps. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives stage-movement events. Nil discards them.
	Logger *slog.Logger

	// Retry bounds dependency waits. Zero means DefaultRetryPolicy.
	Retry RetryPolicy

	// OnSelfWarrant fires when the engine rejects an op authored by
	// Agent itself: the conductor disables the cell.
	OnSelfWarrant func(op.Warrant)
}

// Engine moves ops through the validation lifecycle over one DHT
// store. Batches are driven by the workflow loops; each batch loads
// ops at a stage, decides verdicts, and applies the stage moves in a
// single store transaction.
type Engine struct {
	store         *store.Store
	app           AppValidator
	rules         Ruleset
	resolver      DepResolver
	fetch         FetchQueue
	keys          *keystore.Keystore
	agent         hash.Hash
	clock         clock.Clock
	logger        *slog.Logger
	retry         RetryPolicy
	onSelfWarrant func(op.Warrant)
}

// New validates the configuration and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("validate: Store is required")
	}
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("validate: Keystore is required")
	}
	if cfg.Agent.Kind() != hash.Agent {
		return nil, fmt.Errorf("validate: agent address has kind %s", cfg.Agent.Kind())
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	retry := cfg.Retry
	defaults := DefaultRetryPolicy()
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = defaults.MaxAttempts
	}
	if retry.BaseDelay <= 0 {
		retry.BaseDelay = defaults.BaseDelay
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = defaults.MaxDelay
	}
	return &Engine{
		store:         cfg.Store,
		app:           cfg.App,
		rules:         cfg.Rules,
		resolver:      cfg.Resolver,
		fetch:         cfg.Fetch,
		keys:          cfg.Keystore,
		agent:         cfg.Agent,
		clock:         clk,
		logger:        logger.With("component", "validate"),
		retry:         retry,
		onSelfWarrant: cfg.OnSelfWarrant,
	}, nil
}

// verdict is one op's decided stage move, computed outside the store
// transaction that applies it.
type verdict struct {
	op      store.StoredOp
	outcome Outcome
	// next is the stage an accepted or parked op moves to.
	next op.Stage
	// warrant is set for rejections, already signed.
	warrant *op.Warrant
}

// SysValidateBatch runs system validation over the pending and
// parked-on-sys-deps ops, returning how many reached a verdict-bearing
// stage move.
func (e *Engine) SysValidateBatch(ctx context.Context) (int, error) {
	return e.validateBatch(ctx,
		[]op.Stage{op.Pending, op.AwaitingSysDeps},
		op.SysValidated, op.AwaitingSysDeps,
		func(ctx context.Context, o *op.Op) (Outcome, error) {
			return SysValidate(ctx, o, e.rules, e.resolver)
		})
}

// AppValidateBatch runs application validation over the sys-validated
// and parked-on-app-deps ops.
func (e *Engine) AppValidateBatch(ctx context.Context) (int, error) {
	return e.validateBatch(ctx,
		[]op.Stage{op.SysValidated, op.AwaitingAppDeps},
		op.AppValidated, op.AwaitingAppDeps,
		func(ctx context.Context, o *op.Op) (Outcome, error) {
			if e.app == nil {
				return Valid(), nil
			}
			return e.app.ValidateOp(ctx, *o)
		})
}

func (e *Engine) validateBatch(ctx context.Context, from []op.Stage, accepted, parked op.Stage, check func(context.Context, *op.Op) (Outcome, error)) (int, error) {
	var batch []store.StoredOp
	asOf := e.clock.Now().UnixMicro()
	for _, stage := range from {
		ops, err := e.store.OpsInStage(ctx, stage, asOf, defaultBatchSize)
		if err != nil {
			return 0, fmt.Errorf("validate: loading %s ops: %w", stage, err)
		}
		batch = append(batch, ops...)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	verdicts := make([]verdict, 0, len(batch))
	for i := range batch {
		stored := &batch[i]
		outcome, err := check(ctx, &stored.Op)
		if err != nil {
			return 0, err
		}
		v := verdict{op: *stored, outcome: outcome, next: accepted}
		switch outcome.Kind {
		case OutcomeMissingDeps:
			v.next = parked
		case OutcomeInvalid:
			warrant, err := e.signWarrant(ctx, stored, outcome.Reason)
			if err != nil {
				return 0, err
			}
			v.warrant = warrant
		}
		verdicts = append(verdicts, v)
	}

	moved := 0
	err := e.store.WriteTx(ctx, func(tx *store.Tx) error {
		now := e.clock.Now().UnixMicro()
		for i := range verdicts {
			n, err := e.applyVerdict(tx, &verdicts[i], now)
			if err != nil {
				return err
			}
			moved += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for i := range verdicts {
		v := &verdicts[i]
		if v.warrant != nil && v.warrant.Accused == e.agent && e.onSelfWarrant != nil {
			e.onSelfWarrant(*v.warrant)
		}
		if v.outcome.Kind == OutcomeMissingDeps && e.fetch != nil {
			for _, dep := range v.outcome.Deps {
				e.fetch.Enqueue(dep)
			}
		}
	}
	return moved, nil
}

// applyVerdict writes one op's stage move. Returns 1 when the op
// moved to a new stage, 0 when it stays parked for another attempt.
func (e *Engine) applyVerdict(tx *store.Tx, v *verdict, now int64) (int, error) {
	switch v.outcome.Kind {
	case OutcomeValid:
		if err := tx.SetOpStage(v.op.Hash, v.next, ""); err != nil {
			return 0, err
		}
		return 1, nil

	case OutcomeInvalid:
		if err := tx.SetOpStage(v.op.Hash, op.Rejected, v.outcome.Reason); err != nil {
			return 0, err
		}
		if err := tx.PutWarrant(v.warrant, now); err != nil {
			return 0, err
		}
		e.logger.Warn("op rejected",
			"op", v.op.Hash, "author", v.op.Op.SignedAction.Action.Author, "reason", v.outcome.Reason)
		return 1, nil

	case OutcomeMissingDeps:
		attempts, err := tx.BumpOpAttempts(v.op.Hash)
		if err != nil {
			return 0, err
		}
		if attempts >= e.retry.MaxAttempts {
			if err := tx.SetOpStage(v.op.Hash, op.Abandoned, "dependencies never arrived"); err != nil {
				return 0, err
			}
			e.logger.Info("op abandoned", "op", v.op.Hash, "attempts", attempts)
			return 1, nil
		}
		retryAfter := now + e.retry.Delay(attempts).Microseconds()
		if err := tx.ParkOp(v.op.Hash, v.next, retryAfter); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return 0, fmt.Errorf("validate: unknown outcome kind %d", v.outcome.Kind)
}

// IntegrateBatch materializes the app-validated ops into the store's
// indices, in integration-priority order. Returns how many integrated.
func (e *Engine) IntegrateBatch(ctx context.Context) (int, error) {
	batch, err := e.store.OpsInStage(ctx, op.AppValidated, e.clock.Now().UnixMicro(), defaultBatchSize)
	if err != nil {
		return 0, fmt.Errorf("validate: loading app-validated ops: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ops := make([]op.Op, len(batch))
	for i := range batch {
		ops[i] = batch[i].Op
	}
	op.SortForIntegration(ops)

	err = e.store.WriteTx(ctx, func(tx *store.Tx) error {
		now := e.clock.Now().UnixMicro()
		for i := range ops {
			if err := tx.IntegrateOp(&ops[i], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Debug("integrated ops", "count", len(ops))
	return len(ops), nil
}

// signWarrant builds the signed accusation for a rejected op.
func (e *Engine) signWarrant(ctx context.Context, stored *store.StoredOp, reason string) (*op.Warrant, error) {
	warrant := &op.Warrant{
		Accused:   stored.Op.SignedAction.Action.Author,
		OpHash:    stored.Hash,
		Reason:    reason,
		Timestamp: e.clock.Now().UnixMicro(),
		Issuer:    e.agent,
	}
	data, err := warrant.SigningBytes()
	if err != nil {
		return nil, err
	}
	warrant.Signature, err = e.keys.Sign(ctx, e.agent, data)
	if err != nil {
		return nil, fmt.Errorf("validate: signing warrant: %w", err)
	}
	return warrant, nil
}

// SignReceipt builds the signed attestation the receipt workflow sends
// back to an op's author once the op reaches a terminal stage.
func (e *Engine) SignReceipt(ctx context.Context, opHash hash.Hash, status op.Status) (op.Receipt, error) {
	receipt := op.Receipt{
		OpHash:    opHash,
		Validator: e.agent,
		Status:    status,
		Timestamp: e.clock.Now().UnixMicro(),
	}
	data, err := receipt.SigningBytes()
	if err != nil {
		return op.Receipt{}, err
	}
	receipt.Signature, err = e.keys.Sign(ctx, e.agent, data)
	if err != nil {
		return op.Receipt{}, fmt.Errorf("validate: signing receipt: %w", err)
	}
	return receipt, nil
}

// StoreResolver cascades dependency lookups across the stores an
// agent holds, in order of authority: authored first, then the DHT
// store, then the network cache.
type StoreResolver struct {
	Stores []*store.Store
}

// ResolveAction returns the first store's copy of the action.
func (r *StoreResolver) ResolveAction(ctx context.Context, actionHash hash.Hash) (record.SignedAction, bool, error) {
	for _, s := range r.Stores {
		signed, found, err := s.Action(ctx, actionHash)
		if err != nil {
			return record.SignedAction{}, false, err
		}
		if found {
			return signed, true, nil
		}
	}
	return record.SignedAction{}, false, nil
}
