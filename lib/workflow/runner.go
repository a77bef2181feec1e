// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/weave-foundation/weave/lib/clock"
)

// errorBackoff is how long a runner rests after a failing pass before
// honoring the next wake.
const errorBackoff = time.Second

// Func is one workflow pass. It returns again=true when it knows more
// work remains (a full batch was processed), which schedules an
// immediate follow-up pass.
type Func func(ctx context.Context) (again bool, err error)

// Runner drives one workflow function off a trigger and an optional
// periodic tick.
type Runner struct {
	name     string
	fn       Func
	trigger  *Trigger
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// NewRunner builds a runner. interval zero disables periodic ticks;
// the workflow then runs only when fired.
func NewRunner(name string, fn Func, interval time.Duration, clk clock.Clock, logger *slog.Logger) *Runner {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{
		name:     name,
		fn:       fn,
		trigger:  NewTrigger(),
		interval: interval,
		clock:    clk,
		logger:   logger.With("component", "workflow", "workflow", name),
	}
}

// Trigger returns the runner's wake signal, for store hooks to fire.
func (r *Runner) Trigger() *Trigger { return r.trigger }

// Run loops until ctx is cancelled. An initial pass runs immediately
// so work persisted before startup is picked up.
func (r *Runner) Run(ctx context.Context) {
	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := r.clock.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	r.trigger.Fire()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger.C():
		case <-tick:
		}

		again, err := r.fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("workflow pass failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-r.clock.After(errorBackoff):
			}
			continue
		}
		if again {
			r.trigger.Fire()
		}
	}
}

// Set owns a group of runners sharing one lifecycle, one per
// workflow of a cell.
type Set struct {
	mu      sync.Mutex
	runners map[string]*Runner
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewSet returns an empty runner set.
func NewSet() *Set {
	return &Set{runners: make(map[string]*Runner)}
}

// Add registers a runner under its name. Fails once started or on a
// duplicate name.
func (s *Set) Add(r *Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("workflow: set already started")
	}
	if _, dup := s.runners[r.name]; dup {
		return fmt.Errorf("workflow: duplicate workflow %q", r.name)
	}
	s.runners[r.name] = r
	return nil
}

// Fire wakes the named workflow. Unknown names are ignored so store
// hooks can fire optimistically.
func (s *Set) Fire(name string) {
	s.mu.Lock()
	r := s.runners[name]
	s.mu.Unlock()
	if r != nil {
		r.trigger.Fire()
	}
}

// Start launches every runner. The returned stop function cancels
// them and waits for the loops to drain.
func (s *Set) Start(ctx context.Context) (stop func()) {
	s.mu.Lock()
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	for _, r := range s.runners {
		s.wg.Add(1)
		go func(r *Runner) {
			defer s.wg.Done()
			r.Run(ctx)
		}(r)
	}
	s.mu.Unlock()

	return func() {
		s.cancel()
		s.wg.Wait()
	}
}
