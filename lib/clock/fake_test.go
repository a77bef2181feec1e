// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	fake := NewFake(time.Unix(1000, 0))
	ch := fake.After(10 * time.Second)

	select {
	case <-ch:
		t.Fatal("waiter fired before the clock advanced")
	default:
	}

	fake.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("waiter fired before its deadline")
	default:
	}

	fake.Advance(time.Second)
	select {
	case fired := <-ch:
		want := time.Unix(1010, 0)
		if !fired.Equal(want) {
			t.Fatalf("fired at %v, want %v", fired, want)
		}
	default:
		t.Fatal("waiter did not fire at its deadline")
	}
}

func TestFakeAfterImmediate(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeTickerRepeats(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	ticker := fake.NewTicker(time.Minute)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		fake.Advance(time.Minute)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	ticker.Stop()
	fake.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("tick delivered after Stop")
	default:
	}
}

func TestFakeWaitForWaiters(t *testing.T) {
	fake := NewFake(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		fake.Sleep(time.Hour)
		close(done)
	}()

	fake.WaitForWaiters(1)
	fake.Advance(time.Hour)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}
