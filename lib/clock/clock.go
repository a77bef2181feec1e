// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability. Production code
// injects Real(); tests inject a Fake and advance it deterministically.
// Workflow loops, countersigning windows, and retry backoff all
// observe time exclusively through a Clock.
package clock

import "time"

// Clock is the time source handed to every component that observes
// the current time or waits for a deadline.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once duration d has
	// elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if
	// d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop to release it. C has
// capacity 1; ticks are dropped when the consumer falls behind,
// matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. No ticks arrive on C after Stop returns.
// C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}

func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
