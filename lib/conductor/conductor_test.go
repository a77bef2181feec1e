// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package conductor

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/dispatch"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/secret"
	"github.com/weave-foundation/weave/lib/service"
	"github.com/weave-foundation/weave/lib/validate"
	"github.com/weave-foundation/weave/lib/zome"
)

// guestbook is the test module: signed entries plus a signal emitter.
type guestbook struct{}

func (guestbook) Manifest() zome.Manifest {
	return zome.Manifest{
		Name: "guestbook",
		Zomes: []zome.ZomeManifest{{
			Name:       "book",
			EntryTypes: 1,
			LinkTypes:  1,
			Functions: []zome.Function{
				{Name: "sign"}, {Name: "read", Public: true}, {Name: "announce"},
			},
		}},
	}
}

func (guestbook) ValidateOp(ctx context.Context, o op.Op) (validate.Outcome, error) {
	return validate.Valid(), nil
}

func (guestbook) Invoke(ctx context.Context, host *zome.HostAPI, function string, payload []byte) ([]byte, error) {
	switch function {
	case "sign":
		created, err := host.Create(&record.Entry{
			Kind: record.KindApp,
			App: &record.AppEntry{
				Type:  record.AppEntryType{Visibility: record.Public},
				Bytes: payload,
			},
		})
		if err != nil {
			return nil, err
		}
		return []byte(created.String()), nil
	case "read":
		address, err := hash.Parse(string(payload))
		if err != nil {
			return nil, err
		}
		rec, found, err := host.Get(ctx, address)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("nothing at %s", address)
		}
		return rec.Entry.App.Bytes, nil
	case "announce":
		host.EmitSignal(payload)
		return nil, nil
	default:
		return nil, zome.ErrNoSuchFunction
	}
}

func newConductor(t *testing.T, dir string) *Conductor {
	t.Helper()
	passphrase, err := secret.FromBytes([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Config{
		StateDir:   dir,
		Passphrase: passphrase,
		Clock:      clock.NewFake(time.UnixMicro(1_000_000)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func installEnabled(t *testing.T, c *Conductor, appID string) {
	t.Helper()
	if _, err := c.RegisterModule(guestbook{}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AddApp(context.Background(), appID, "guestbook", hash.Hash{}, []byte("invite")); err != nil {
		t.Fatalf("AddApp: %v", err)
	}
	if err := c.EnableApp(context.Background(), appID); err != nil {
		t.Fatalf("EnableApp: %v", err)
	}
}

func TestInstallEnableCall(t *testing.T) {
	ctx := context.Background()
	c := newConductor(t, t.TempDir())
	installEnabled(t, c, "guests")

	created, err := c.CallZome(ctx, "guests", callFor("sign", []byte("hello")))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := c.CallZome(ctx, "guests", callFor("read", created))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("read back %q, want %q", got, "hello")
	}
}

func TestDisableStopsCalls(t *testing.T) {
	ctx := context.Background()
	c := newConductor(t, t.TempDir())
	installEnabled(t, c, "guests")

	if err := c.DisableApp(ctx, "guests", "maintenance"); err != nil {
		t.Fatal(err)
	}
	_, err := c.CallZome(ctx, "guests", callFor("sign", []byte("late")))
	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindStructural {
		t.Fatalf("call on disabled app: got %v, want structural error", err)
	}

	apps, err := c.Apps(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 1 || apps[0].Enabled || apps[0].DisabledReason != "maintenance" {
		t.Fatalf("registry after disable: %+v", apps)
	}
}

func TestUnrestrictedGrantRequiresPublicFunction(t *testing.T) {
	ctx := context.Background()
	c := newConductor(t, t.TempDir())
	installEnabled(t, c, "guests")

	// sign is not tagged public; an unrestricted grant over it would
	// waive the capability check for anyone holding the socket.
	_, err := c.GrantCapability(ctx, "guests", record.CapGrantPayload{
		Tag:       "open door",
		Access:    record.CapAccess{Mode: record.AccessUnrestricted},
		Functions: []record.FunctionRef{{Zome: "book", Function: "sign"}},
	})
	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindPolicy {
		t.Fatalf("unrestricted grant on non-public function: got %v, want policy error", err)
	}

	// The same grant over the public function is accepted.
	if _, err := c.GrantCapability(ctx, "guests", record.CapGrantPayload{
		Tag:       "open reads",
		Access:    record.CapAccess{Mode: record.AccessUnrestricted},
		Functions: []record.FunctionRef{{Zome: "book", Function: "read"}},
	}); err != nil {
		t.Fatalf("unrestricted grant on public function: %v", err)
	}
}

func TestGenesisRunsAtInstall(t *testing.T) {
	ctx := context.Background()
	c := newConductor(t, t.TempDir())
	installEnabled(t, c, "guests")

	infos, err := c.AgentInfo(ctx, "guests")
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("got %d cells, want 1", len(infos))
	}
	// Genesis writes the DNA and agent records before any app entry.
	if infos[0].Seq < 1 {
		t.Fatalf("chain seq %d after genesis, want >= 1", infos[0].Seq)
	}
	if infos[0].Head.IsZero() {
		t.Fatal("chain head is zero after genesis")
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c := newConductor(t, dir)
	installEnabled(t, c, "guests")
	created, err := c.CallZome(ctx, "guests", callFor("sign", []byte("durable")))
	if err != nil {
		t.Fatal(err)
	}
	c.Shutdown()

	c2 := newConductor(t, dir)
	if _, err := c2.RegisterModule(guestbook{}); err != nil {
		t.Fatal(err)
	}
	if err := c2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := c2.CallZome(ctx, "guests", callFor("read", created))
	if err != nil {
		t.Fatalf("read after restart: %v", err)
	}
	if string(got) != "durable" {
		t.Fatalf("read back %q, want %q", got, "durable")
	}
}

func TestWrongPassphraseRefused(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	c := newConductor(t, dir)
	if _, err := c.GenerateAgent(ctx); err != nil {
		t.Fatal(err)
	}
	c.Shutdown()

	wrong, err := secret.FromBytes([]byte("not it"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(Config{StateDir: dir, Passphrase: wrong}); err == nil {
		t.Fatal("New with wrong passphrase succeeded")
	}
}

func TestAtRestMarkerMismatch(t *testing.T) {
	dir := t.TempDir()
	keysDir := filepath.Join(dir, "keystore")
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, "at-rest"), []byte("plaintext-v0\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	passphrase, err := secret.FromBytes([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(Config{StateDir: dir, Passphrase: passphrase})
	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindFatal {
		t.Fatalf("got %v, want fatal marker mismatch", err)
	}
}

func TestAdminSocketLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newConductor(t, t.TempDir())
	if _, err := c.RegisterModule(guestbook{}); err != nil {
		t.Fatal(err)
	}

	socketPath := filepath.Join(t.TempDir(), "admin.sock")
	server := c.AdminServer(socketPath)
	go server.Serve(ctx)
	client := waitForSocket(t, ctx, socketPath)

	var added addAppResponse
	err := client.Call(ctx, "add_app", map[string]any{
		"app_id": "guests",
		"module": "guestbook",
	}, &added)
	if err != nil {
		t.Fatalf("add_app: %v", err)
	}
	if added.AppID != "guests" || added.Agent == "" || added.Dna == "" {
		t.Fatalf("add_app response: %+v", added)
	}

	if err := client.Call(ctx, "enable_app", map[string]any{"app_id": "guests"}, nil); err != nil {
		t.Fatalf("enable_app: %v", err)
	}

	var listed struct {
		Apps []appStatus `cbor:"apps"`
	}
	if err := client.Call(ctx, "list_apps", nil, &listed); err != nil {
		t.Fatalf("list_apps: %v", err)
	}
	if len(listed.Apps) != 1 || !listed.Apps[0].Enabled {
		t.Fatalf("list_apps: %+v", listed.Apps)
	}

	var minted struct {
		Agent string `cbor:"agent"`
	}
	if err := client.Call(ctx, "generate_agent_key", nil, &minted); err != nil {
		t.Fatalf("generate_agent_key: %v", err)
	}
	if _, err := hash.Parse(minted.Agent); err != nil {
		t.Fatalf("minted agent %q does not parse: %v", minted.Agent, err)
	}

	var info agentInfoResponse
	if err := client.Call(ctx, "request_agent_info", map[string]any{"app_id": "guests"}, &info); err != nil {
		t.Fatalf("request_agent_info: %v", err)
	}
	if len(info.Cells) != 1 || info.Cells[0].App != "guests" {
		t.Fatalf("request_agent_info: %+v", info.Cells)
	}
}

func TestAppSocketCallAndSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newConductor(t, t.TempDir())
	installEnabled(t, c, "guests")

	socketPath := filepath.Join(t.TempDir(), "app.sock")
	server := c.AppServer(socketPath)
	go server.Serve(ctx)
	client := waitForSocket(t, ctx, socketPath)

	var resp callZomeResponse
	err := client.Call(ctx, "call_zome", map[string]any{
		"app_id":   "guests",
		"zome":     "book",
		"function": "sign",
		"payload":  []byte("over the wire"),
	}, &resp)
	if err != nil {
		t.Fatalf("call_zome: %v", err)
	}
	if resp.Status != StatusOK || len(resp.Data) == 0 {
		t.Fatalf("call_zome response: %+v", resp)
	}

	// A stranger without a grant gets a status, not a transport error.
	stranger, err := c.GenerateAgent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	err = client.Call(ctx, "call_zome", map[string]any{
		"app_id":     "guests",
		"zome":       "book",
		"function":   "sign",
		"payload":    []byte("sneaky"),
		"provenance": stranger.String(),
	}, &resp)
	if err != nil {
		t.Fatalf("unauthorized call_zome: %v", err)
	}
	if resp.Status != StatusUnauthorized {
		t.Fatalf("status %q, want %q", resp.Status, StatusUnauthorized)
	}

	// Signals emitted by the module reach a subscribed stream.
	received := make(chan AppSignal, 1)
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- client.Stream(ctx, "signals", map[string]any{"app_id": "guests"}, func(raw codec.RawMessage) error {
			var signal AppSignal
			if err := codec.Unmarshal(raw, &signal); err != nil {
				return err
			}
			received <- signal
			return errors.New("done")
		})
	}()

	deadline := time.After(5 * time.Second)
	for {
		err := client.Call(ctx, "call_zome", map[string]any{
			"app_id":   "guests",
			"zome":     "book",
			"function": "announce",
			"payload":  []byte("party at eight"),
		}, &resp)
		if err != nil {
			t.Fatalf("announce: %v", err)
		}
		select {
		case signal := <-received:
			if signal.App != "guests" || signal.Zome != "book" || string(signal.Payload) != "party at eight" {
				t.Fatalf("signal: %+v", signal)
			}
			<-streamErr
			return
		case <-deadline:
			t.Fatal("no signal received")
		case <-time.After(50 * time.Millisecond):
			// The subscriber may not have been registered yet when the
			// first announce ran; emit again.
		}
	}
}

func TestUnknownModuleRefused(t *testing.T) {
	c := newConductor(t, t.TempDir())
	_, err := c.AddApp(context.Background(), "guests", "missing", hash.Hash{}, nil)
	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindStructural {
		t.Fatalf("got %v, want structural error", err)
	}
}

func TestBadAppIDRefused(t *testing.T) {
	c := newConductor(t, t.TempDir())
	if _, err := c.RegisterModule(guestbook{}); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", "UPPER", "has space", "../escape"} {
		if _, err := c.AddApp(context.Background(), id, "guestbook", hash.Hash{}, nil); err == nil {
			t.Fatalf("app id %q accepted", id)
		}
	}
}

func callFor(function string, payload []byte) dispatch.Call {
	return dispatch.Call{Zome: "book", Function: function, Payload: payload}
}

// peerAuthor signs with a raw key so tests can hand the conductor
// data authored by an agent its keystore does not hold.
type peerAuthor struct {
	agent   hash.Hash
	private ed25519.PrivateKey
	seq     uint32
	prev    hash.Hash
	ts      int64
}

func newPeerAuthor(t *testing.T) *peerAuthor {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(0x70 + i)
	}
	private := ed25519.NewKeyFromSeed(seed)
	agent, err := hash.FromAgentKey(private.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatal(err)
	}
	return &peerAuthor{agent: agent, private: private, ts: 1_000_000}
}

func (a *peerAuthor) commit(t *testing.T, builder record.Builder) record.Record {
	t.Helper()
	a.ts += 1000
	action, entry, err := builder.Build(a.agent, a.ts, a.seq, a.prev)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	data, err := action.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	rec := record.Record{
		SignedAction: record.SignedAction{Action: action, Signature: ed25519.Sign(a.private, data)},
		Entry:        entry,
	}
	actionHash, err := rec.ActionHash()
	if err != nil {
		t.Fatal(err)
	}
	a.prev = actionHash
	a.seq++
	return rec
}

func cellOf(t *testing.T, c *Conductor, appID string) *cell {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, ok := c.cells[appID]
	if !ok {
		t.Fatalf("no running cell for %s", appID)
	}
	return cl
}

// bundledGuestbook is the guestbook shipped as portable bytecode.
type bundledGuestbook struct {
	guestbook
	bytecode []byte
}

func (b bundledGuestbook) Bundle() []byte { return b.bytecode }

func TestRegisterBundledModuleArchivesBytecode(t *testing.T) {
	ctx := context.Background()
	c := newConductor(t, t.TempDir())

	bytecode := []byte("\x00asm guestbook build")
	if _, err := c.RegisterModule(bundledGuestbook{bytecode: bytecode}); err != nil {
		t.Fatalf("RegisterModule: %v", err)
	}

	got, found, err := c.ModuleBundle(ctx, hash.Sum(hash.Wasm, bytecode))
	if err != nil || !found {
		t.Fatalf("ModuleBundle: found=%v err=%v", found, err)
	}
	if !bytes.Equal(got, bytecode) {
		t.Fatalf("bundle %q, want %q", got, bytecode)
	}

	// Restart keeps the archive: the wasm store is conductor-wide
	// state, not per-cell.
	dir := c.stateDir
	c.Shutdown()
	c2 := newConductor(t, dir)
	if _, found, err := c2.ModuleBundle(ctx, hash.Sum(hash.Wasm, bytecode)); err != nil || !found {
		t.Fatalf("ModuleBundle after restart: found=%v err=%v", found, err)
	}
}

func TestReceiveOpsLandInDHTStore(t *testing.T) {
	ctx := context.Background()
	c := newConductor(t, t.TempDir())
	installEnabled(t, c, "guests")

	author := newPeerAuthor(t)
	rec := author.commit(t, record.Builder{
		Type: record.TypeCreate,
		Entry: &record.Entry{
			Kind: record.KindApp,
			App: &record.AppEntry{
				Type:  record.AppEntryType{Visibility: record.Public},
				Bytes: []byte("from afar"),
			},
		},
	})
	ops, err := op.Produce(rec)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}

	if err := c.ReceiveOps(ctx, hash.Hash{}, hash.Hash{}, ops); err != nil {
		t.Fatalf("ReceiveOps: %v", err)
	}
	dht := cellOf(t, c, "guests").dht
	for i := range ops {
		opHash, err := ops[i].Hash()
		if err != nil {
			t.Fatal(err)
		}
		if _, found, err := dht.Op(ctx, opHash); err != nil || !found {
			t.Errorf("op %s not stored (found=%v err=%v)", ops[i].Type, found, err)
		}
	}

	// An op whose type does not match its action shape is refused
	// before anything is written.
	bad := op.Op{Type: op.RegisterDeletedBy, SignedAction: rec.SignedAction}
	err = c.ReceiveOps(ctx, hash.Hash{}, hash.Hash{}, []op.Op{bad})
	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindStructural {
		t.Fatalf("got %v, want structural error", err)
	}

	// No cell carries this dna.
	err = c.ReceiveOps(ctx, hash.Sum(hash.Dna, []byte("elsewhere")), hash.Hash{}, ops)
	if !errors.As(err, &classified) || classified.Kind != KindStructural {
		t.Fatalf("got %v, want structural error for unknown dna", err)
	}
}

func TestReceiveReceiptVerifiesSignature(t *testing.T) {
	ctx := context.Background()
	c := newConductor(t, t.TempDir())
	installEnabled(t, c, "guests")

	validator := newPeerAuthor(t)
	opHash := hash.Sum(hash.Op, []byte("published op"))
	receipt := op.Receipt{
		OpHash:    opHash,
		Validator: validator.agent,
		Status:    op.StatusValid,
		Timestamp: 2_000_000,
	}
	data, err := receipt.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	receipt.Signature = ed25519.Sign(validator.private, data)

	if err := c.ReceiveReceipt(ctx, hash.Hash{}, hash.Hash{}, receipt); err != nil {
		t.Fatalf("ReceiveReceipt: %v", err)
	}
	receipts, err := cellOf(t, c, "guests").authored.Receipts(ctx, opHash)
	if err != nil {
		t.Fatal(err)
	}
	if len(receipts) != 1 || receipts[0].Validator != validator.agent {
		t.Fatalf("stored receipts %+v, want one from %s", receipts, validator.agent)
	}

	forged := receipt
	forged.Timestamp++
	err = c.ReceiveReceipt(ctx, hash.Hash{}, hash.Hash{}, forged)
	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindPolicy {
		t.Fatalf("got %v, want policy error for forged receipt", err)
	}
}

func TestReceiveWarrantVerifiesSignature(t *testing.T) {
	ctx := context.Background()
	c := newConductor(t, t.TempDir())
	installEnabled(t, c, "guests")

	issuer := newPeerAuthor(t)
	accused := cellOf(t, c, "guests").app.Agent
	warrant := op.Warrant{
		Accused:   accused,
		OpHash:    hash.Sum(hash.Op, []byte("invalid op")),
		Reason:    "entry exceeds declared size",
		Timestamp: 2_000_000,
		Issuer:    issuer.agent,
	}
	data, err := warrant.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	warrant.Signature = ed25519.Sign(issuer.private, data)

	if err := c.ReceiveWarrant(ctx, hash.Hash{}, hash.Hash{}, warrant); err != nil {
		t.Fatalf("ReceiveWarrant: %v", err)
	}
	warrants, err := cellOf(t, c, "guests").dht.WarrantsAgainst(ctx, accused)
	if err != nil {
		t.Fatal(err)
	}
	if len(warrants) != 1 || warrants[0].Issuer != issuer.agent {
		t.Fatalf("stored warrants %+v, want one from %s", warrants, issuer.agent)
	}

	forged := warrant
	forged.Reason = "different accusation"
	err = c.ReceiveWarrant(ctx, hash.Hash{}, hash.Hash{}, forged)
	var classified *Error
	if !errors.As(err, &classified) || classified.Kind != KindPolicy {
		t.Fatalf("got %v, want policy error for forged warrant", err)
	}
}

// waitForSocket polls until the server accepts requests.
func waitForSocket(t *testing.T, ctx context.Context, socketPath string) *service.Client {
	t.Helper()
	client := service.NewClient(socketPath)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		err := client.Call(ctx, "ping", nil, nil)
		var callErr *service.CallError
		if errors.As(err, &callErr) {
			return client
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("socket server did not come up")
	return nil
}
