// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package workflow

// Trigger is a coalescing wake signal: many producers, one consumer.
// Fire never blocks; fires arriving while the consumer is busy
// collapse into a single pending wake.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger returns an unfired trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Fire wakes the consumer. A pending wake absorbs further fires.
func (t *Trigger) Fire() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C is the consumer's wake channel.
func (t *Trigger) C() <-chan struct{} { return t.ch }
