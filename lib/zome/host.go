// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package zome

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/weave-foundation/weave/lib/clock"
	"github.com/weave-foundation/weave/lib/countersign"
	"github.com/weave-foundation/weave/lib/cron"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/keystore"
	"github.com/weave-foundation/weave/lib/record"
	"github.com/weave-foundation/weave/lib/store"
)

// ErrNotFound is returned by the must_get family when the address
// cannot be resolved from any reachable store.
var ErrNotFound = errors.New("zome: address not found")

// Signal is an out-of-band notification from a module to attached
// clients.
type Signal struct {
	Zome    string
	Payload []byte
}

// SignalEmitter delivers a signal to whoever is listening. Emission is
// fire-and-forget.
type SignalEmitter func(Signal)

// CallTarget names another function to invoke. Zero Dna and Agent mean
// the calling cell.
type CallTarget struct {
	Dna      hash.Hash
	Agent    hash.Hash
	Zome     string
	Function string
	Payload  []byte
	Secret   []byte
}

// Caller routes a nested call back through the dispatcher.
type Caller func(ctx context.Context, target CallTarget) ([]byte, error)

// PreflightAcceptor joins countersigning sessions on behalf of the
// cell. Satisfied by the cell's session manager.
type PreflightAcceptor interface {
	Accept(ctx context.Context, request countersign.PreflightRequest) (record.PreflightResponse, error)
}

// AgentInfo describes the calling cell's identity and observed chain
// position, including the call's own pending writes.
type AgentInfo struct {
	Agent     hash.Hash
	ChainHead hash.Hash
	ChainSeq  uint32
}

// DnaInfo describes the app the cell runs.
type DnaInfo struct {
	Dna  hash.Hash
	Name string
}

// ZomeInfo describes the zome the call entered through.
type ZomeInfo struct {
	Name       string
	Index      uint8
	EntryTypes uint8
	LinkTypes  uint8
}

// Details is a record together with the update and delete markers
// integrated against it.
type Details struct {
	Record  record.Record
	Updates []hash.Hash
	Deletes []hash.Hash
}

// HostConfig assembles a host API for one call.
type HostConfig struct {
	Agent    hash.Hash
	Dna      hash.Hash
	Zome     string
	Manifest Manifest

	// Authored, DHT, and Cache are consulted in that order for reads.
	// DHT and Cache may be nil.
	Authored *store.Store
	DHT      *store.Store
	Cache    *store.Store

	Keystore *keystore.Keystore
	Scratch  *Scratch

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Emit, Call, and Preflight are optional; the corresponding host
	// functions fail cleanly when absent.
	Emit      SignalEmitter
	Call      Caller
	Preflight PreflightAcceptor

	Logger *slog.Logger
}

// HostAPI is the runtime surface handed to a module for one call. It
// is a per-call value: the scratch inside it belongs to this call
// alone, so the API needs no locking of its own.
type HostAPI struct {
	agent     hash.Hash
	dna       hash.Hash
	zome      string
	zomeIndex uint8
	manifest  Manifest

	stores  []*store.Store
	keys    *keystore.Keystore
	scratch *Scratch
	clock   clock.Clock

	emit      SignalEmitter
	call      Caller
	preflight PreflightAcceptor
	logger    *slog.Logger
}

// NewHost validates the configuration and returns the call's host API.
func NewHost(cfg HostConfig) (*HostAPI, error) {
	if cfg.Agent.Kind() != hash.Agent {
		return nil, fmt.Errorf("zome: agent address has kind %s", cfg.Agent.Kind())
	}
	if cfg.Authored == nil {
		return nil, fmt.Errorf("zome: authored store is required")
	}
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("zome: keystore is required")
	}
	if cfg.Scratch == nil {
		return nil, fmt.Errorf("zome: scratch is required")
	}
	zomeIndex, ok := cfg.Manifest.ZomeIndex(cfg.Zome)
	if !ok {
		return nil, fmt.Errorf("zome: manifest %q has no zome %q", cfg.Manifest.Name, cfg.Zome)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	stores := []*store.Store{cfg.Authored}
	if cfg.DHT != nil {
		stores = append(stores, cfg.DHT)
	}
	if cfg.Cache != nil {
		stores = append(stores, cfg.Cache)
	}
	return &HostAPI{
		agent:     cfg.Agent,
		dna:       cfg.Dna,
		zome:      cfg.Zome,
		zomeIndex: zomeIndex,
		manifest:  cfg.Manifest,
		stores:    stores,
		keys:      cfg.Keystore,
		scratch:   cfg.Scratch,
		clock:     clk,
		emit:      cfg.Emit,
		call:      cfg.Call,
		preflight: cfg.Preflight,
		logger:    logger.With("component", "host", "zome", cfg.Zome),
	}, nil
}

// Scratch returns the call's pending writes, for the dispatcher's
// commit step.
func (h *HostAPI) Scratch() *Scratch { return h.scratch }

// Create appends a new entry to the chain and returns the action hash
// the commit will produce.
func (h *HostAPI) Create(entry *record.Entry) (hash.Hash, error) {
	return h.scratch.append(record.Builder{Type: record.TypeCreate, Entry: entry})
}

// Update appends a replacement for an earlier entry-carrying action.
func (h *HostAPI) Update(ctx context.Context, original hash.Hash, entry *record.Entry) (hash.Hash, error) {
	action, err := h.resolveAction(ctx, original)
	if err != nil {
		return hash.Hash{}, err
	}
	ref, ok := action.EntryRef()
	if !ok {
		return hash.Hash{}, fmt.Errorf("zome: update target %s carries no entry", original)
	}
	return h.scratch.append(record.Builder{
		Type:           record.TypeUpdate,
		Entry:          entry,
		OriginalAction: original,
		OriginalEntry:  ref.EntryHash,
	})
}

// Delete appends a tombstone for an earlier entry-carrying action.
func (h *HostAPI) Delete(ctx context.Context, deletes hash.Hash) (hash.Hash, error) {
	action, err := h.resolveAction(ctx, deletes)
	if err != nil {
		return hash.Hash{}, err
	}
	ref, ok := action.EntryRef()
	if !ok {
		return hash.Hash{}, fmt.Errorf("zome: delete target %s carries no entry", deletes)
	}
	return h.scratch.append(record.Builder{
		Type:          record.TypeDelete,
		DeletesAction: deletes,
		DeletesEntry:  ref.EntryHash,
	})
}

// CreateLink appends a link from base to target under one of the
// calling zome's declared link types.
func (h *HostAPI) CreateLink(base, target hash.Hash, linkType uint8, tag []byte) (hash.Hash, error) {
	if !h.manifest.LinkTypeValid(h.zomeIndex, linkType) {
		return hash.Hash{}, fmt.Errorf("zome: zome %q declares no link type %d", h.zome, linkType)
	}
	return h.scratch.append(record.Builder{
		Type:      record.TypeCreateLink,
		Base:      base,
		Target:    target,
		ZomeIndex: h.zomeIndex,
		LinkType:  linkType,
		Tag:       tag,
	})
}

// DeleteLink appends a tombstone for an earlier link.
func (h *HostAPI) DeleteLink(ctx context.Context, linkAction hash.Hash) (hash.Hash, error) {
	action, err := h.resolveAction(ctx, linkAction)
	if err != nil {
		return hash.Hash{}, err
	}
	if action.Type != record.TypeCreateLink {
		return hash.Hash{}, fmt.Errorf("zome: delete-link target %s is a %s", linkAction, action.Type)
	}
	return h.scratch.append(record.Builder{
		Type:       record.TypeDeleteLink,
		LinkAction: linkAction,
		Base:       action.CreateLink.Base,
	})
}

// CreateCapGrant records a capability grant on the chain. Grants are
// always private entries.
func (h *HostAPI) CreateCapGrant(payload record.CapGrantPayload) (hash.Hash, error) {
	return h.Create(&record.Entry{Kind: record.KindCapGrant, CapGrant: &payload})
}

// CreateCapClaim records a received capability secret on the chain.
func (h *HostAPI) CreateCapClaim(payload record.CapClaimPayload) (hash.Hash, error) {
	return h.Create(&record.Entry{Kind: record.KindCapClaim, CapClaim: &payload})
}

// Get resolves an action or entry address to a record, consulting the
// call's own pending writes first, then the committed stores.
func (h *HostAPI) Get(ctx context.Context, address hash.Hash) (record.Record, bool, error) {
	switch address.Kind() {
	case hash.Action:
		if rec, ok := h.scratch.record(address); ok {
			return rec, true, nil
		}
		for _, s := range h.stores {
			rec, found, err := s.Record(ctx, address)
			if err != nil {
				return record.Record{}, false, err
			}
			if found {
				return rec, true, nil
			}
		}
	case hash.Entry, hash.Agent:
		if rec, ok := h.scratch.recordByEntry(address); ok {
			return rec, true, nil
		}
		for _, s := range h.stores {
			records, err := s.RecordsByEntry(ctx, address)
			if err != nil {
				return record.Record{}, false, err
			}
			if len(records) > 0 {
				return records[0], true, nil
			}
		}
	default:
		return record.Record{}, false, fmt.Errorf("zome: cannot get a %s address", address.Kind())
	}
	return record.Record{}, false, nil
}

// GetDetails resolves an address together with the update and delete
// markers integrated against it.
func (h *HostAPI) GetDetails(ctx context.Context, address hash.Hash) (Details, bool, error) {
	rec, found, err := h.Get(ctx, address)
	if err != nil || !found {
		return Details{}, false, err
	}
	details := Details{Record: rec}
	for _, s := range h.stores {
		updates, err := s.UpdatesOn(ctx, address)
		if err != nil {
			return Details{}, false, err
		}
		deletes, err := s.DeletesOn(ctx, address)
		if err != nil {
			return Details{}, false, err
		}
		details.Updates = append(details.Updates, updates...)
		details.Deletes = append(details.Deletes, deletes...)
	}
	return details, true, nil
}

// GetLinks returns the live links on a base across the reachable
// stores, deduplicated by create action.
func (h *HostAPI) GetLinks(ctx context.Context, base hash.Hash) ([]store.Link, error) {
	seen := make(map[hash.Hash]bool)
	var out []store.Link
	for _, s := range h.stores {
		links, err := s.Links(ctx, base)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if seen[link.CreateAction] {
				continue
			}
			seen[link.CreateAction] = true
			out = append(out, link)
		}
	}
	return out, nil
}

// Query reads the calling agent's own chain.
func (h *HostAPI) Query(ctx context.Context, filter store.ChainFilter) ([]record.Record, error) {
	return h.stores[0].QueryChain(ctx, h.agent, filter)
}

// MustGetAction resolves an action hash or fails with ErrNotFound.
func (h *HostAPI) MustGetAction(ctx context.Context, actionHash hash.Hash) (record.SignedAction, error) {
	if action, ok := h.scratch.action(actionHash); ok {
		return record.SignedAction{Action: action}, nil
	}
	for _, s := range h.stores {
		signed, found, err := s.Action(ctx, actionHash)
		if err != nil {
			return record.SignedAction{}, err
		}
		if found {
			return signed, nil
		}
	}
	return record.SignedAction{}, fmt.Errorf("%w: action %s", ErrNotFound, actionHash)
}

// MustGetEntry resolves an entry hash or fails with ErrNotFound.
func (h *HostAPI) MustGetEntry(ctx context.Context, entryHash hash.Hash) (*record.Entry, error) {
	if rec, ok := h.scratch.recordByEntry(entryHash); ok && rec.Entry != nil {
		return rec.Entry, nil
	}
	for _, s := range h.stores {
		entry, found, err := s.Entry(ctx, entryHash)
		if err != nil {
			return nil, err
		}
		if found {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: entry %s", ErrNotFound, entryHash)
}

// MustGetValidRecord resolves an action hash to a record whose author
// signature checks out, or fails with ErrNotFound.
func (h *HostAPI) MustGetValidRecord(ctx context.Context, actionHash hash.Hash) (record.Record, error) {
	rec, found, err := h.Get(ctx, actionHash)
	if err != nil {
		return record.Record{}, err
	}
	if !found {
		return record.Record{}, fmt.Errorf("%w: record %s", ErrNotFound, actionHash)
	}
	if len(rec.SignedAction.Signature) > 0 {
		if err := rec.SignedAction.VerifyAuthor(); err != nil {
			return record.Record{}, fmt.Errorf("zome: record %s: %w", actionHash, err)
		}
	}
	return rec, nil
}

// MustGetAgentActivity reads another agent's chain as held locally, or
// fails with ErrNotFound when nothing is held.
func (h *HostAPI) MustGetAgentActivity(ctx context.Context, agent hash.Hash, filter store.ChainFilter) ([]record.Record, error) {
	for _, s := range h.stores {
		records, err := s.QueryChain(ctx, agent, filter)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			return records, nil
		}
	}
	return nil, fmt.Errorf("%w: no activity held for %s", ErrNotFound, agent)
}

// Sign signs data with the calling agent's key.
func (h *HostAPI) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return h.keys.Sign(ctx, h.agent, data)
}

// VerifySignature checks an ed25519 signature against a signer's agent
// address.
func (h *HostAPI) VerifySignature(signer hash.Hash, data, signature []byte) bool {
	if signer.Kind() != hash.Agent {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(signer.AgentKey()), data, signature)
}

// SignEphemeral signs data with a fresh one-shot keypair, returning
// the throwaway public key alongside the signature.
func (h *HostAPI) SignEphemeral(data []byte) (ed25519.PublicKey, []byte, error) {
	return h.keys.SignEphemeral(data)
}

// RandomBytes returns n cryptographically random bytes.
func (h *HostAPI) RandomBytes(n int) ([]byte, error) {
	return h.keys.RandomBytes(n)
}

// SysTime returns the runtime's current time in Unix microseconds.
func (h *HostAPI) SysTime() int64 {
	return h.clock.Now().UnixMicro()
}

// AgentInfo reports the cell's identity and chain position as this
// call sees it, pending writes included.
func (h *HostAPI) AgentInfo() AgentInfo {
	return AgentInfo{
		Agent:     h.agent,
		ChainHead: h.scratch.prev,
		ChainSeq:  h.scratch.nextSeq,
	}
}

// DnaInfo reports the app the cell runs.
func (h *HostAPI) DnaInfo() DnaInfo {
	return DnaInfo{Dna: h.dna, Name: h.manifest.Name}
}

// ZomeInfo reports the zome the call entered through.
func (h *HostAPI) ZomeInfo() ZomeInfo {
	z := h.manifest.Zomes[h.zomeIndex]
	return ZomeInfo{
		Name:       z.Name,
		Index:      h.zomeIndex,
		EntryTypes: z.EntryTypes,
		LinkTypes:  z.LinkTypes,
	}
}

// Call invokes another function through the dispatcher, subject to the
// target cell's capability rules.
func (h *HostAPI) Call(ctx context.Context, target CallTarget) ([]byte, error) {
	if h.call == nil {
		return nil, fmt.Errorf("zome: nested calls are not available in this context")
	}
	return h.call(ctx, target)
}

// EmitSignal sends a fire-and-forget notification to attached clients.
func (h *HostAPI) EmitSignal(payload []byte) {
	if h.emit == nil {
		return
	}
	h.emit(Signal{Zome: h.zome, Payload: payload})
}

// Schedule registers a function of the calling zome to run on an
// interval ("10s") or a five-field cron line. The registration lands
// with the call's commit.
func (h *HostAPI) Schedule(function string, kind store.ScheduleKind, expr string) error {
	if !h.manifest.HasFunction(h.zome, function) {
		return fmt.Errorf("zome: zome %q exports no function %q", h.zome, function)
	}
	switch kind {
	case store.ScheduleInterval:
		if _, err := time.ParseDuration(expr); err != nil {
			return fmt.Errorf("zome: bad interval %q: %w", expr, err)
		}
	case store.ScheduleCron:
		if _, err := cron.Parse(expr); err != nil {
			return fmt.Errorf("zome: bad cron expression %q: %w", expr, err)
		}
	default:
		return fmt.Errorf("zome: unknown schedule kind %q", kind)
	}
	h.scratch.schedule(store.ScheduledFn{Zome: h.zome, Fn: function, Kind: kind, Expr: expr})
	return nil
}

// AcceptCountersigningPreflight joins a countersigning session,
// locking the cell's chain until the session resolves.
func (h *HostAPI) AcceptCountersigningPreflight(ctx context.Context, request countersign.PreflightRequest) (record.PreflightResponse, error) {
	if h.preflight == nil {
		return record.PreflightResponse{}, fmt.Errorf("zome: countersigning is not available in this context")
	}
	return h.preflight.Accept(ctx, request)
}

// CreateX25519Keypair generates an encryption keypair held by the
// keystore, returning the public key.
func (h *HostAPI) CreateX25519Keypair() ([32]byte, error) {
	return h.keys.CreateX25519Keypair()
}

// X25519Encrypt seals plaintext from a held sender key to a recipient
// public key.
func (h *HostAPI) X25519Encrypt(sender, recipient [32]byte, plaintext []byte) ([]byte, error) {
	return h.keys.X25519Encrypt(sender, recipient, plaintext)
}

// X25519Decrypt opens ciphertext addressed to a held recipient key.
func (h *HostAPI) X25519Decrypt(recipient, sender [32]byte, ciphertext []byte) ([]byte, error) {
	return h.keys.X25519Decrypt(recipient, sender, ciphertext)
}

// Trace writes a module-authored line into the runtime log.
func (h *HostAPI) Trace(level slog.Level, message string, args ...any) {
	h.logger.Log(context.Background(), level, message, args...)
}

// resolveAction finds an action in the scratch or the stores.
func (h *HostAPI) resolveAction(ctx context.Context, actionHash hash.Hash) (record.Action, error) {
	if action, ok := h.scratch.action(actionHash); ok {
		return action, nil
	}
	for _, s := range h.stores {
		signed, found, err := s.Action(ctx, actionHash)
		if err != nil {
			return record.Action{}, err
		}
		if found {
			return signed.Action, nil
		}
	}
	return record.Action{}, fmt.Errorf("%w: action %s", ErrNotFound, actionHash)
}
