// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// NewFake returns a Fake clock set to initial. Time stands still until
// Advance is called; waiters registered through After, Sleep, and
// tickers fire when the clock moves past their deadline.
//
// Fake is safe for concurrent use.
func NewFake(initial time.Time) *Fake {
	f := &Fake{now: initial}
	f.registered = sync.NewCond(&f.mu)
	return f
}

// Fake is a deterministic Clock for tests. Advance fires expired
// waiters in deadline order.
type Fake struct {
	mu         sync.Mutex
	now        time.Time
	waiters    []*waiter
	registered *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time

	// interval is non-zero for ticker waiters; after firing the
	// waiter is rescheduled at deadline+interval.
	interval time.Duration

	stopped bool
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot waiter. If d <= 0 the returned channel
// already holds the current time.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, &waiter{deadline: f.now.Add(d), ch: ch})
	f.registered.Broadcast()
	return ch
}

// NewTicker registers a repeating waiter. Panics if d <= 0.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: f.now.Add(d), ch: ch, interval: d}
	f.waiters = append(f.waiters, w)
	f.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			w.stopped = true
		},
	}
}

// Sleep blocks until the clock advances past the deadline.
func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-f.After(d)
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline falls within the new time, in deadline order. Channel sends
// are non-blocking: a full ticker channel drops the tick, matching
// time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mu.Unlock()

	for {
		expired := f.takeExpired(target)
		if len(expired) == 0 {
			return
		}
		sort.Slice(expired, func(i, j int) bool {
			return expired[i].deadline.Before(expired[j].deadline)
		})
		for _, w := range expired {
			select {
			case w.ch <- target:
			default:
			}
		}
	}
}

// takeExpired removes expired waiters, rescheduling tickers for their
// next interval.
func (f *Fake) takeExpired(target time.Time) []*waiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	var expired, remaining []*waiter
	for _, w := range f.waiters {
		if w.stopped {
			continue
		}
		if !w.deadline.After(target) {
			expired = append(expired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	for _, w := range expired {
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	return expired
}

// WaitForWaiters blocks until at least n waiters are pending. Removes
// the race between a goroutine registering a timer and the test
// advancing the clock:
//
//	go worker(fake)
//	fake.WaitForWaiters(1)
//	fake.Advance(time.Minute)
func (f *Fake) WaitForWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.registered.Wait()
	}
}

// Pending returns the number of active waiters.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) pendingLocked() int {
	n := 0
	for _, w := range f.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}
