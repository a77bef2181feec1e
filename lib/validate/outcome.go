// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package validate

import (
	"context"
	"time"

	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/record"
)

// OutcomeKind is the result class of one validation attempt.
type OutcomeKind int

const (
	// OutcomeValid accepts the op for this stage.
	OutcomeValid OutcomeKind = iota

	// OutcomeInvalid rejects the op permanently.
	OutcomeInvalid

	// OutcomeMissingDeps defers the op until the named hashes are
	// held locally.
	OutcomeMissingDeps
)

// Outcome is the result of one validation attempt.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Deps   []hash.Hash
}

// Valid is the accepting outcome.
func Valid() Outcome { return Outcome{Kind: OutcomeValid} }

// Invalid rejects with a reason for the warrant.
func Invalid(reason string) Outcome {
	return Outcome{Kind: OutcomeInvalid, Reason: reason}
}

// MissingDeps defers until the hashes arrive.
func MissingDeps(deps ...hash.Hash) Outcome {
	return Outcome{Kind: OutcomeMissingDeps, Deps: deps}
}

// AppValidator is the application's validation callback. The cell's
// compute module implements it; a nil validator accepts everything.
type AppValidator interface {
	ValidateOp(ctx context.Context, o op.Op) (Outcome, error)
}

// DepResolver finds dependency records across the stores an agent
// holds (authored, dht, cache — in that order of authority).
type DepResolver interface {
	ResolveAction(ctx context.Context, actionHash hash.Hash) (record.SignedAction, bool, error)
}

// FetchQueue receives the hashes validation is missing. The fetch
// pool drains it against peers advertising coverage.
type FetchQueue interface {
	Enqueue(h hash.Hash)
}

// EnqueueFunc adapts a function to the FetchQueue interface.
type EnqueueFunc func(hash.Hash)

// Enqueue calls f.
func (f EnqueueFunc) Enqueue(h hash.Hash) { f(h) }

// Ruleset exposes the application's declared type ranges so
// sys-validation can bound link and entry type indices without
// running module code.
type Ruleset interface {
	LinkTypeValid(zomeIndex, linkType uint8) bool
	EntryTypeValid(zomeIndex, entryIndex uint8) bool
}

// RetryPolicy bounds how long an op may wait for dependencies before
// it is abandoned. Each failed attempt parks the op until a backoff
// horizon; a parked op is invisible to validation passes before it.
type RetryPolicy struct {
	// MaxAttempts is the number of validation attempts before an
	// awaiting op is abandoned.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt, doubled
	// per attempt.
	BaseDelay time.Duration

	// MaxDelay caps the doubling.
	MaxDelay time.Duration
}

// DefaultRetryPolicy gives a dependency five chances to arrive,
// waiting five seconds after the first miss and at most five minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute}
}

// Delay returns the backoff after the given attempt count:
// BaseDelay doubled per attempt past the first, capped at MaxDelay.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
