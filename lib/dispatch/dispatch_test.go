// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/countersign"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/journal"
	"github.com/weave-foundation/weave/lib/keystore"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/secret"
	"github.com/weave-foundation/weave/lib/store"
	"github.com/weave-foundation/weave/lib/validate"
	"github.com/weave-foundation/weave/lib/zome"
)

// notebook is a minimal module: notes as public entries, plus hooks
// the tests use to provoke races and failures.
type notebook struct {
	invocations int
	beforeWrite func() // runs inside Invoke, before the scratch write
}

func (m *notebook) Manifest() zome.Manifest {
	return zome.Manifest{
		Name: "notebook",
		Zomes: []zome.ZomeManifest{{
			Name:       "notes",
			EntryTypes: 1,
			LinkTypes:  1,
			Functions: []zome.Function{
				{Name: "add_note"}, {Name: "read_note", Public: true}, {Name: "noop"},
				{Name: "boom"}, {Name: "schedule_tick"}, {Name: "nested_add"}, {Name: "tick"},
			},
		}},
	}
}

func (m *notebook) ValidateOp(ctx context.Context, o op.Op) (validate.Outcome, error) {
	return validate.Valid(), nil
}

func (m *notebook) Invoke(ctx context.Context, host *zome.HostAPI, function string, payload []byte) ([]byte, error) {
	m.invocations++
	switch function {
	case "add_note":
		if m.beforeWrite != nil {
			hook := m.beforeWrite
			m.beforeWrite = nil
			hook()
		}
		created, err := host.Create(noteEntry(string(payload)))
		if err != nil {
			return nil, err
		}
		return []byte(created.String()), nil
	case "read_note":
		address, err := hash.Parse(string(payload))
		if err != nil {
			return nil, err
		}
		rec, found, err := host.Get(ctx, address)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("no note at %s", address)
		}
		return rec.Entry.App.Bytes, nil
	case "noop":
		return []byte("ok"), nil
	case "boom":
		if _, err := host.Create(noteEntry("doomed")); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("deliberate failure")
	case "schedule_tick":
		if err := host.Schedule("tick", store.ScheduleInterval, "10s"); err != nil {
			return nil, err
		}
		return []byte("scheduled"), nil
	case "nested_add":
		return host.Call(ctx, zome.CallTarget{Zome: "notes", Function: "add_note", Payload: payload})
	case "tick":
		return nil, nil
	default:
		return nil, zome.ErrNoSuchFunction
	}
}

func noteEntry(text string) *record.Entry {
	return &record.Entry{
		Kind: record.KindApp,
		App: &record.AppEntry{
			Type:  record.AppEntryType{Visibility: record.Public},
			Bytes: []byte(text),
		},
	}
}

type fixture struct {
	dispatcher *Dispatcher
	module     *notebook
	journal    *journal.Journal
	authored   *store.Store
	sessions   *countersign.Sessions
	clock      *clock.Fake
	agent      hash.Hash
	other      hash.Hash
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	passphrase, err := secret.FromBytes([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	keys, err := keystore.New(filepath.Join(dir, "seeds.age"), passphrase, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { keys.Close() })

	agent, err := keys.GenerateAgent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	other, err := keys.GenerateAgent(ctx)
	if err != nil {
		t.Fatal(err)
	}

	authored, err := store.Open(store.Config{
		Path: filepath.Join(dir, "authored.sqlite3"),
		Kind: store.Authored,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { authored.Close() })

	clk := clock.NewFake(time.UnixMicro(1_000_000))
	dna := hash.Sum(hash.Dna, []byte("notebook"))
	j, err := journal.New(journal.Config{
		Agent: agent, Dna: dna, Store: authored, Keystore: keys, Clock: clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := j.Genesis(ctx, nil); err != nil {
		t.Fatal(err)
	}

	sessions, err := countersign.New(countersign.Config{
		Journal: j, Store: authored, Keystore: keys, Agent: agent, Clock: clk,
	})
	if err != nil {
		t.Fatal(err)
	}

	module := &notebook{}
	dispatcher, err := New(Config{
		Agent:    agent,
		Dna:      dna,
		Module:   module,
		Journal:  j,
		Authored: authored,
		Keystore: keys,
		Sessions: sessions,
		Clock:    clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		dispatcher: dispatcher, module: module, journal: j, authored: authored,
		sessions: sessions, clock: clk, agent: agent, other: other,
	}
}

func (f *fixture) selfCall(zomeName, fn string, payload []byte) Call {
	return Call{Provenance: f.agent, Zome: zomeName, Function: fn, Payload: payload}
}

func TestAuthorCallCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.dispatcher.Call(ctx, f.selfCall("notes", "add_note", []byte("hello")))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	created, err := hash.Parse(string(result))
	if err != nil {
		t.Fatalf("result is not an action hash: %v", err)
	}

	rec, found, err := f.authored.Record(ctx, created)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("committed note not in the store")
	}
	if string(rec.Entry.App.Bytes) != "hello" {
		t.Fatalf("stored note = %q", rec.Entry.App.Bytes)
	}

	// A follow-up read through the dispatcher sees it.
	got, err := f.dispatcher.Call(ctx, f.selfCall("notes", "read_note", result))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("read back %q", got)
	}
}

func TestStrangerUnauthorized(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Call(context.Background(), Call{
		Provenance: f.other, Zome: "notes", Function: "add_note", Payload: []byte("sneaky"),
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("stranger call error = %v, want ErrUnauthorized", err)
	}
}

func TestPublicFunctionNeedsNoCapability(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	address, err := f.dispatcher.Call(ctx, f.selfCall("notes", "add_note", []byte("open note")))
	if err != nil {
		t.Fatal(err)
	}

	// read_note is tagged public: a stranger with no grant and no
	// secret reads it.
	got, err := f.dispatcher.Call(ctx, Call{
		Provenance: f.other, Zome: "notes", Function: "read_note", Payload: address,
	})
	if err != nil {
		t.Fatalf("public call refused: %v", err)
	}
	if string(got) != "open note" {
		t.Fatalf("public call returned %q, want %q", got, "open note")
	}

	// The tag covers exactly its function; a sibling stays guarded.
	_, err = f.dispatcher.Call(ctx, Call{
		Provenance: f.other, Zome: "notes", Function: "noop",
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("non-public call error = %v, want ErrUnauthorized", err)
	}
}

func TestGrantAdmitsStranger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	capSecret := []byte("shared secret 0123456789abcdef00")
	head, _, err := f.journal.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.journal.Append(ctx, head.Hash, []record.Builder{{
		Type: record.TypeCreate,
		Entry: &record.Entry{Kind: record.KindCapGrant, CapGrant: &record.CapGrantPayload{
			Tag:       "guest-writes",
			Access:    record.CapAccess{Mode: record.AccessTransferable, Secret: capSecret},
			Functions: []record.FunctionRef{{Zome: "notes", Function: "add_note"}},
		}},
	}}, journal.Strict)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.dispatcher.Call(ctx, Call{
		Provenance: f.other, Secret: capSecret,
		Zome: "notes", Function: "add_note", Payload: []byte("guest note"),
	})
	if err != nil {
		t.Fatalf("granted call refused: %v", err)
	}
}

func TestZomeErrorAbortsWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, _, err := f.journal.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.dispatcher.Call(ctx, f.selfCall("notes", "boom", nil)); err == nil {
		t.Fatal("failing call succeeded")
	}
	after, _, err := f.journal.Head(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if after.Hash != before.Hash {
		t.Fatal("failed call left writes on the chain")
	}
}

func TestHeadMovedReinvokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A concurrent writer lands a record between snapshot and commit.
	f.module.beforeWrite = func() {
		head, _, err := f.journal.Head(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		_, err = f.journal.Append(ctx, head.Hash,
			[]record.Builder{{Type: record.TypeCreate, Entry: noteEntry("interloper")}}, journal.Strict)
		if err != nil {
			t.Error(err)
		}
	}

	result, err := f.dispatcher.Call(ctx, f.selfCall("notes", "add_note", []byte("racer")))
	if err != nil {
		t.Fatalf("racing call: %v", err)
	}
	if f.module.invocations != 2 {
		t.Fatalf("module invoked %d times, want 2", f.module.invocations)
	}

	created, err := hash.Parse(string(result))
	if err != nil {
		t.Fatal(err)
	}
	if _, found, err := f.authored.Record(ctx, created); err != nil || !found {
		t.Fatalf("retried write missing: found=%v err=%v", found, err)
	}
}

func TestSessionLockSurfacesAsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.clock.Now().UnixMicro()
	req, err := countersign.NewRequest([]record.SessionSigner{
		{Agent: f.agent},
		{Agent: f.other},
	}, 0, now, now+time.Minute.Microseconds(), []byte("deal"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.sessions.Accept(ctx, req); err != nil {
		t.Fatal(err)
	}

	_, err = f.dispatcher.Call(ctx, f.selfCall("notes", "add_note", []byte("blocked")))
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("call during session error = %v, want ErrSessionActive", err)
	}

	// Read-only calls are unaffected by the lock.
	if _, err := f.dispatcher.Call(ctx, f.selfCall("notes", "noop", nil)); err != nil {
		t.Fatalf("read-only call during session: %v", err)
	}
}

func TestNestedCallCommits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.dispatcher.Call(ctx, f.selfCall("notes", "nested_add", []byte("inner")))
	if err != nil {
		t.Fatalf("nested call: %v", err)
	}
	created, err := hash.Parse(string(result))
	if err != nil {
		t.Fatal(err)
	}
	if _, found, err := f.authored.Record(ctx, created); err != nil || !found {
		t.Fatalf("nested write missing: found=%v err=%v", found, err)
	}
}

func TestSchedulePersistsWithCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.dispatcher.Call(ctx, f.selfCall("notes", "schedule_tick", nil)); err != nil {
		t.Fatal(err)
	}
	due, err := f.authored.DueScheduledFns(ctx, f.clock.Now().Add(time.Hour).UnixMicro())
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Fn != "tick" {
		t.Fatalf("scheduled fns = %+v", due)
	}
}

func TestUnknownFunctionRefused(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Call(context.Background(), f.selfCall("notes", "no_such", nil))
	if !errors.Is(err, zome.ErrNoSuchFunction) {
		t.Fatalf("unknown function error = %v, want ErrNoSuchFunction", err)
	}
}
