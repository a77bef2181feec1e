// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package zome

import (
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/journal"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
)

// Scratch accumulates one call's chain writes against a snapshot of
// the chain head. Chain position is assigned at append time, so the
// module sees the real action hashes its writes will have — provided
// the head has not moved by commit, which AppendPrepared enforces.
type Scratch struct {
	author  hash.Hash
	asAt    hash.Hash
	nextSeq uint32
	prev    hash.Hash
	lastTS  int64

	prepared  []journal.Prepared
	schedules []store.ScheduledFn
}

// NewScratch opens a scratch space over the observed head. The now
// timestamp is Unix microseconds; appended actions never regress below
// the head's timestamp.
func NewScratch(author hash.Hash, head store.HeadInfo, exists bool, now int64) *Scratch {
	s := &Scratch{author: author, lastTS: now}
	if exists {
		s.asAt = head.Hash
		s.nextSeq = head.Seq + 1
		s.prev = head.Hash
		if head.Timestamp > s.lastTS {
			s.lastTS = head.Timestamp
		}
	}
	return s
}

// AsAt returns the head hash the scratch was opened against; zero for
// an empty chain.
func (s *Scratch) AsAt() hash.Hash { return s.asAt }

// Len returns the number of pending chain writes.
func (s *Scratch) Len() int { return len(s.prepared) }

// Prepared returns the pending chain writes in append order, ready for
// AppendPrepared.
func (s *Scratch) Prepared() []journal.Prepared { return s.prepared }

// Schedules returns the schedule registrations made during the call.
func (s *Scratch) Schedules() []store.ScheduledFn { return s.schedules }

// append assigns the next chain position to the builder's action and
// queues it, returning the action hash the commit will produce.
func (s *Scratch) append(builder record.Builder) (hash.Hash, error) {
	action, entry, err := builder.Build(s.author, s.lastTS, s.nextSeq, s.prev)
	if err != nil {
		return hash.Hash{}, err
	}
	actionHash, err := action.Hash()
	if err != nil {
		return hash.Hash{}, err
	}
	s.prepared = append(s.prepared, journal.Prepared{Action: action, Entry: entry})
	s.nextSeq = action.Seq + 1
	s.prev = actionHash
	return actionHash, nil
}

func (s *Scratch) schedule(fn store.ScheduledFn) {
	s.schedules = append(s.schedules, fn)
}

// record returns the pending record for an action hash, if the call
// wrote it. The signature is empty until commit.
func (s *Scratch) record(actionHash hash.Hash) (record.Record, bool) {
	for i := range s.prepared {
		h, err := s.prepared[i].Action.Hash()
		if err == nil && h == actionHash {
			return record.Record{
				SignedAction: record.SignedAction{Action: s.prepared[i].Action},
				Entry:        s.prepared[i].Entry,
			}, true
		}
	}
	return record.Record{}, false
}

// recordByEntry returns the first pending record carrying the entry.
func (s *Scratch) recordByEntry(entryHash hash.Hash) (record.Record, bool) {
	for i := range s.prepared {
		ref, ok := s.prepared[i].Action.EntryRef()
		if !ok || ref.EntryHash != entryHash {
			continue
		}
		return record.Record{
			SignedAction: record.SignedAction{Action: s.prepared[i].Action},
			Entry:        s.prepared[i].Entry,
		}, true
	}
	return record.Record{}, false
}

// action returns the pending action for a hash, for reference
// resolution inside the same call.
func (s *Scratch) action(actionHash hash.Hash) (record.Action, bool) {
	rec, ok := s.record(actionHash)
	if !ok {
		return record.Action{}, false
	}
	return rec.SignedAction.Action, true
}
