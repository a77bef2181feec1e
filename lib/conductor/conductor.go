// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package conductor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/dispatch"
	"github.com/weave-foundation/weave/lib/fetch"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/journal"
	"github.com/weave-foundation/weave/lib/keystore"
	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/peerview"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/secret"
	"github.com/weave-foundation/weave/lib/store"
	"github.com/weave-foundation/weave/lib/zome"
)

// atRestMarker records the encryption-at-rest scheme of the keystore
// so a mismatched passphrase scheme fails loudly instead of
// corrupting.
const atRestMarker = "age-scrypt-v1\n"

// Config configures a conductor node.
type Config struct {
	// StateDir is the root of all persisted state. Required.
	StateDir string

	// Passphrase unlocks the keystore seed file. Required.
	Passphrase *secret.Buffer

	// Exchange carries ops, receipts, and warrants to peers. Nil runs
	// the node offline: everything still integrates locally.
	Exchange peerview.Exchange

	// FetchClient resolves missing dependencies from peers. Nil
	// disables fetching; missing-dep ops park until abandoned.
	FetchClient fetch.Client

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to discarding.
	Logger *slog.Logger
}

// Conductor is one running node: a keystore, an app registry, and the
// cells of every enabled app.
type Conductor struct {
	cfg      Config
	stateDir string
	keys     *keystore.Keystore
	registry *store.Store
	wasm     *store.Store
	signals  *broadcaster
	clock    clock.Clock
	logger   *slog.Logger

	mu      sync.Mutex
	modules map[string]zome.Module
	dnas    map[hash.Hash]string
	cells   map[string]*cell
	runCtx  context.Context

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New opens (creating as needed) the node's state directory,
// keystore, and conductor-wide stores. Modules are registered after
// New and apps enabled once Run is underway or via Start.
func New(cfg Config) (*Conductor, error) {
	if cfg.StateDir == "" {
		return nil, fmt.Errorf("conductor: StateDir is required")
	}
	if cfg.Passphrase == nil {
		return nil, fmt.Errorf("conductor: Passphrase is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "conductor")

	keysDir := filepath.Join(cfg.StateDir, "keystore")
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, fmt.Errorf("conductor: creating %s: %w", keysDir, err)
	}
	if err := checkAtRestMarker(filepath.Join(keysDir, "at-rest")); err != nil {
		return nil, err
	}
	keys, err := keystore.New(filepath.Join(keysDir, "seeds.age"), cfg.Passphrase, logger)
	if err != nil {
		return nil, err
	}

	registry, err := store.Open(store.Config{
		Path:   filepath.Join(cfg.StateDir, "conductor.sqlite3"),
		Kind:   store.Conductor,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		keys.Close()
		return nil, err
	}
	wasm, err := store.Open(store.Config{
		Path:   filepath.Join(cfg.StateDir, "wasm.sqlite3"),
		Kind:   store.Wasm,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		registry.Close()
		keys.Close()
		return nil, err
	}

	return &Conductor{
		cfg:        cfg,
		stateDir:   cfg.StateDir,
		keys:       keys,
		registry:   registry,
		wasm:       wasm,
		signals:    newBroadcaster(),
		clock:      clk,
		logger:     logger,
		modules:    make(map[string]zome.Module),
		dnas:       make(map[hash.Hash]string),
		cells:      make(map[string]*cell),
		shutdownCh: make(chan struct{}),
	}, nil
}

// checkAtRestMarker writes the marker on first run and refuses a
// mismatch afterwards.
func checkAtRestMarker(path string) error {
	existing, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return os.WriteFile(path, []byte(atRestMarker), 0o600)
	case err != nil:
		return fmt.Errorf("conductor: reading at-rest marker: %w", err)
	case string(existing) != atRestMarker:
		return classifiedf(KindFatal, "keystore at-rest scheme %q does not match %q",
			strings.TrimSpace(string(existing)), strings.TrimSpace(atRestMarker))
	}
	return nil
}

// RegisterModule makes a module available for installation. The DNA
// hash of an app is the content address of its module's manifest, so
// two nodes registering the same module agree on the DNA.
func (c *Conductor) RegisterModule(module zome.Module) (hash.Hash, error) {
	manifest := module.Manifest()
	if err := manifest.Check(); err != nil {
		return hash.Hash{}, err
	}
	dna, err := DnaHash(manifest)
	if err != nil {
		return hash.Hash{}, err
	}

	// Bundled modules archive their bytecode so peers installing the
	// same DNA can pull it from this node.
	if bundler, ok := module.(zome.Bundler); ok {
		bytecode := bundler.Bundle()
		wasmHash := hash.Sum(hash.Wasm, bytecode)
		err := c.wasm.WriteTx(context.Background(), func(tx *store.Tx) error {
			return tx.PutWasmModule(wasmHash, bytecode)
		})
		if err != nil {
			return hash.Hash{}, classified(KindTransient, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.modules[manifest.Name]; exists {
		return hash.Hash{}, classifiedf(KindStructural, "module %q already registered", manifest.Name)
	}
	c.modules[manifest.Name] = module
	c.dnas[dna] = manifest.Name
	return dna, nil
}

// ModuleBundle returns archived module bytecode by its content
// address.
func (c *Conductor) ModuleBundle(ctx context.Context, moduleHash hash.Hash) ([]byte, bool, error) {
	return c.wasm.WasmModule(ctx, moduleHash)
}

// DnaHash computes the content address identifying an app: the
// canonical encoding of its manifest.
func DnaHash(manifest zome.Manifest) (hash.Hash, error) {
	data, err := codec.Marshal(manifest)
	if err != nil {
		return hash.Hash{}, fmt.Errorf("conductor: encoding manifest: %w", err)
	}
	return hash.Sum(hash.Dna, data), nil
}

func (c *Conductor) moduleNameFor(dna hash.Hash) string {
	return c.dnas[dna]
}

// AddApp installs an app: it binds an agent identity to a registered
// module, writes the registry row, and runs chain genesis with the
// membrane proof. The app starts disabled.
func (c *Conductor) AddApp(ctx context.Context, appID, moduleName string, agent hash.Hash, membraneProof []byte) (store.App, error) {
	if err := checkAppID(appID); err != nil {
		return store.App{}, err
	}

	c.mu.Lock()
	module, ok := c.modules[moduleName]
	c.mu.Unlock()
	if !ok {
		return store.App{}, classifiedf(KindStructural, "no module registered as %q", moduleName)
	}
	dna, err := DnaHash(module.Manifest())
	if err != nil {
		return store.App{}, err
	}

	if agent.IsZero() {
		agent, err = c.keys.GenerateAgent(ctx)
		if err != nil {
			return store.App{}, err
		}
	} else if !c.keys.HasAgent(agent) {
		return store.App{}, classifiedf(KindStructural, "keystore holds no key for agent %s", agent)
	}

	app := store.App{
		ID:          appID,
		DnaHash:     dna,
		Agent:       agent,
		InstalledTS: c.clock.Now().UnixMicro(),
	}
	err = c.registry.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.InstallApp(app)
	})
	if err != nil {
		return store.App{}, err
	}

	if err := c.runGenesis(ctx, app, membraneProof); err != nil {
		return store.App{}, err
	}
	c.logger.Info("app installed", "app", appID, "dna", dna, "agent", agent)
	return app, nil
}

// runGenesis writes the chain's opening records if the authored store
// is empty. Idempotent across re-installs of the same identity.
func (c *Conductor) runGenesis(ctx context.Context, app store.App, membraneProof []byte) error {
	authored, dht, cache, peers, err := c.openCellStores(app.ID)
	if err != nil {
		return err
	}
	defer authored.Close()
	defer dht.Close()
	defer cache.Close()
	defer peers.Close()

	j, err := journal.New(journal.Config{
		Agent:    app.Agent,
		Dna:      app.DnaHash,
		Store:    authored,
		Keystore: c.keys,
		Clock:    c.clock,
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}
	if _, exists, err := j.Head(ctx); err != nil {
		return err
	} else if exists {
		return nil
	}
	_, err = j.Genesis(ctx, membraneProof)
	return err
}

// EnableApp builds and starts the app's cell.
func (c *Conductor) EnableApp(ctx context.Context, appID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, running := c.cells[appID]; running {
		return nil
	}

	app, found, err := c.registry.App(ctx, appID)
	if err != nil {
		return err
	}
	if !found {
		return classifiedf(KindStructural, "no app %q installed", appID)
	}

	cl, err := c.buildCell(app)
	if err != nil {
		return err
	}
	runCtx := c.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	cl.start(runCtx, c)
	c.cells[appID] = cl

	err = c.registry.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.SetAppEnabled(appID, true, "")
	})
	if err != nil {
		cl.close()
		delete(c.cells, appID)
		return err
	}
	c.logger.Info("app enabled", "app", appID)
	return nil
}

// DisableApp stops the app's cell, recording why.
func (c *Conductor) DisableApp(ctx context.Context, appID, reason string) error {
	return c.disableApp(ctx, appID, reason)
}

func (c *Conductor) disableApp(ctx context.Context, appID, reason string) error {
	c.mu.Lock()
	cl, running := c.cells[appID]
	delete(c.cells, appID)
	c.mu.Unlock()
	if running {
		cl.close()
	}

	err := c.registry.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.SetAppEnabled(appID, false, reason)
	})
	if err != nil {
		return err
	}
	c.logger.Info("app disabled", "app", appID, "reason", reason)
	return nil
}

// Apps returns the registry.
func (c *Conductor) Apps(ctx context.Context) ([]store.App, error) {
	return c.registry.Apps(ctx)
}

// Agents returns every agent the keystore holds keys for.
func (c *Conductor) Agents() []hash.Hash {
	return c.keys.Agents()
}

// GenerateAgent mints a fresh agent identity.
func (c *Conductor) GenerateAgent(ctx context.Context) (hash.Hash, error) {
	return c.keys.GenerateAgent(ctx)
}

// CallZome routes a call into an enabled app. A zero provenance means
// the app's own agent.
func (c *Conductor) CallZome(ctx context.Context, appID string, call dispatch.Call) ([]byte, error) {
	cl, err := c.runningCell(appID)
	if err != nil {
		return nil, err
	}
	if call.Provenance.IsZero() {
		call.Provenance = cl.app.Agent
	}
	return cl.dispatcher.Call(ctx, call)
}

// GrantCapability appends a capability grant to the app's chain on
// the operator's behalf.
func (c *Conductor) GrantCapability(ctx context.Context, appID string, payload record.CapGrantPayload) (hash.Hash, error) {
	cl, err := c.runningCell(appID)
	if err != nil {
		return hash.Hash{}, err
	}
	// An unrestricted grant waives the capability check entirely, so
	// it may only name functions the module explicitly tags public.
	if payload.Access.Mode == record.AccessUnrestricted {
		manifest := cl.module.Manifest()
		for _, fn := range payload.Functions {
			if !manifest.FunctionPublic(fn.Zome, fn.Function) {
				return hash.Hash{}, classifiedf(KindPolicy,
					"unrestricted grant covers non-public function %s/%s", fn.Zome, fn.Function)
			}
		}
	}
	head, _, err := cl.journal.Head(ctx)
	if err != nil {
		return hash.Hash{}, err
	}
	records, err := cl.journal.Append(ctx, head.Hash, []record.Builder{{
		Type:  record.TypeCreate,
		Entry: &record.Entry{Kind: record.KindCapGrant, CapGrant: &payload},
	}}, journal.Strict)
	if err != nil {
		return hash.Hash{}, err
	}
	return records[0].ActionHash()
}

// CellInfo is one cell's identity and chain position.
type CellInfo struct {
	App   string    `cbor:"app"`
	Agent hash.Hash `cbor:"agent"`
	Dna   hash.Hash `cbor:"dna"`
	Head  hash.Hash `cbor:"head"`
	Seq   uint32    `cbor:"seq"`
}

// AgentInfo reports every running cell, or just the named app's.
func (c *Conductor) AgentInfo(ctx context.Context, appID string) ([]CellInfo, error) {
	c.mu.Lock()
	cells := make([]*cell, 0, len(c.cells))
	for id, cl := range c.cells {
		if appID == "" || id == appID {
			cells = append(cells, cl)
		}
	}
	c.mu.Unlock()

	infos := make([]CellInfo, 0, len(cells))
	for _, cl := range cells {
		head, _, err := cl.journal.Head(ctx)
		if err != nil {
			return nil, err
		}
		infos = append(infos, CellInfo{
			App:   cl.app.ID,
			Agent: cl.app.Agent,
			Dna:   cl.app.DnaHash,
			Head:  head.Hash,
			Seq:   head.Seq,
		})
	}
	return infos, nil
}

// matchCell finds a running cell by application identity. A zero dna
// or agent matches any.
func (c *Conductor) matchCell(dna, agent hash.Hash) (*cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cl := range c.cells {
		if !dna.IsZero() && cl.app.DnaHash != dna {
			continue
		}
		if !agent.IsZero() && cl.app.Agent != agent {
			continue
		}
		return cl, nil
	}
	return nil, classifiedf(KindStructural, "no running cell for dna %s agent %s", dna, agent)
}

// Route implements dispatch.Router: modules calling out of their own
// cell land here. Only cells on this node are reachable.
func (c *Conductor) Route(ctx context.Context, provenance hash.Hash, target zome.CallTarget) ([]byte, error) {
	match, err := c.matchCell(target.Dna, target.Agent)
	if err != nil {
		return nil, err
	}
	return match.dispatcher.Call(ctx, dispatch.Call{
		Provenance: provenance,
		Secret:     target.Secret,
		Zome:       target.Zome,
		Function:   target.Function,
		Payload:    target.Payload,
	})
}

// ReceiveOps ingests ops pushed by a peer into the cell holding the
// named identity. Each op must pass the structural shape check before
// the batch lands in the DHT store at pending; the validation
// pipelines wake and decide everything else. Nothing is integrated
// here.
func (c *Conductor) ReceiveOps(ctx context.Context, dna, agent hash.Hash, ops []op.Op) error {
	cl, err := c.matchCell(dna, agent)
	if err != nil {
		return err
	}
	for i := range ops {
		if err := ops[i].SignedAction.Action.CheckShape(); err != nil {
			return classified(KindStructural, err)
		}
		if _, err := ops[i].Basis(); err != nil {
			return classified(KindStructural, err)
		}
	}
	err = cl.dht.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.PutOps(ops, op.Pending, false)
	})
	if err != nil {
		return classified(KindTransient, err)
	}
	cl.wf.FireValidation()
	return nil
}

// ReceiveReceipt records a validation receipt a peer returns for one
// of our published ops. The signature must verify against the
// validator address; the publish workflow counts stored receipts to
// decide when an op has enough uptake.
func (c *Conductor) ReceiveReceipt(ctx context.Context, dna, agent hash.Hash, receipt op.Receipt) error {
	cl, err := c.matchCell(dna, agent)
	if err != nil {
		return err
	}
	if err := receipt.Verify(); err != nil {
		return classified(KindPolicy, err)
	}
	err = cl.authored.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.PutReceipt(&receipt)
	})
	if err != nil {
		return classified(KindTransient, err)
	}
	return nil
}

// ReceiveWarrant stores a peer-issued warrant against an agent whose
// data failed validation. The issuer's signature must verify; the
// warrant then weighs into this node's view of the accused.
func (c *Conductor) ReceiveWarrant(ctx context.Context, dna, agent hash.Hash, warrant op.Warrant) error {
	cl, err := c.matchCell(dna, agent)
	if err != nil {
		return err
	}
	if err := warrant.Verify(); err != nil {
		return classified(KindPolicy, err)
	}
	err = cl.dht.WriteTx(ctx, func(tx *store.Tx) error {
		return tx.PutWarrant(&warrant, c.clock.Now().UnixMicro())
	})
	if err != nil {
		return classified(KindTransient, err)
	}
	return nil
}

// Start brings up every app the registry marks enabled. Cells run
// until ctx is cancelled or Shutdown is called.
func (c *Conductor) Start(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	apps, err := c.registry.Apps(ctx)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if !app.Enabled {
			continue
		}
		if err := c.EnableApp(ctx, app.ID); err != nil {
			// One broken app must not take the node down.
			c.logger.Error("enabling app failed", "app", app.ID, "error", err)
		}
	}
	return nil
}

// Shutdown stops every cell and releases the node's stores and
// keystore. Idempotent.
func (c *Conductor) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)

		c.mu.Lock()
		cells := make([]*cell, 0, len(c.cells))
		for _, cl := range c.cells {
			cells = append(cells, cl)
		}
		c.cells = make(map[string]*cell)
		c.mu.Unlock()

		for _, cl := range cells {
			cl.close()
		}
		c.wasm.Close()
		c.registry.Close()
		c.keys.Close()
		c.logger.Info("conductor shut down")
	})
}

// Done is closed when Shutdown runs, for callers serving sockets.
func (c *Conductor) Done() <-chan struct{} { return c.shutdownCh }

func (c *Conductor) runningCell(appID string) (*cell, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cl, running := c.cells[appID]
	if !running {
		return nil, classifiedf(KindStructural, "app %q is not enabled", appID)
	}
	return cl, nil
}

// checkAppID keeps registry IDs safe to use as directory names.
func checkAppID(appID string) error {
	if appID == "" {
		return classifiedf(KindStructural, "app id is empty")
	}
	for _, r := range appID {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return classifiedf(KindStructural, "app id %q contains %q; use lowercase letters, digits, '-', '_', '.'", appID, r)
		}
	}
	return nil
}
