// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package conductor

import "sync"

// AppSignal is one module-emitted signal as delivered to subscribers.
type AppSignal struct {
	App     string `cbor:"app"`
	Zome    string `cbor:"zome"`
	Payload []byte `cbor:"payload,omitempty"`
}

const signalBuffer = 64

// broadcaster fans signals out to subscribers. Delivery is best
// effort: a subscriber that stops draining loses signals rather than
// blocking the emitting cell.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan AppSignal
	next int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan AppSignal)}
}

func (b *broadcaster) subscribe() (<-chan AppSignal, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan AppSignal, signalBuffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (b *broadcaster) publish(signal AppSignal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- signal:
		default:
		}
	}
}
