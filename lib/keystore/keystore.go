// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/secret"
)

var (
	// ErrUnknownAgent is returned when no seed is held for the
	// requested agent address.
	ErrUnknownAgent = errors.New("keystore: unknown agent")

	// ErrClosed is returned for any operation after Close.
	ErrClosed = errors.New("keystore: closed")
)

// Keystore holds agent seeds and services signing requests. Create
// one with New; it owns the seed file at the configured path.
type Keystore struct {
	logger     *slog.Logger
	path       string
	passphrase *secret.Buffer

	mu     sync.Mutex
	agents map[hash.Hash]*agentKey
	boxes  map[[32]byte]*secret.Buffer
	closed bool
	wg     sync.WaitGroup
}

// agentKey is one held seed plus the serial request queue its worker
// drains.
type agentKey struct {
	public   ed25519.PublicKey
	seed     *secret.Buffer
	requests chan signRequest
}

type signRequest struct {
	data  []byte
	reply chan signResult
}

type signResult struct {
	signature []byte
	err       error
}

// New opens the keystore at path, decrypting the seed file with the
// passphrase if one exists. The passphrase buffer is retained for
// later persistence; the keystore closes it on Close. A nil logger
// discards log output.
func New(path string, passphrase *secret.Buffer, logger *slog.Logger) (*Keystore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	k := &Keystore{
		logger:     logger.With("component", "keystore"),
		path:       path,
		passphrase: passphrase,
		agents:     make(map[hash.Hash]*agentKey),
		boxes:      make(map[[32]byte]*secret.Buffer),
	}
	if err := k.load(); err != nil {
		return nil, err
	}
	return k, nil
}

// GenerateAgent creates a new ed25519 keypair, persists its seed, and
// returns the agent address embedding the public key.
func (k *Keystore) GenerateAgent(ctx context.Context) (hash.Hash, error) {
	seedBytes := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seedBytes); err != nil {
		return hash.Hash{}, fmt.Errorf("keystore: generating seed: %w", err)
	}
	seed, err := secret.FromBytes(seedBytes)
	if err != nil {
		return hash.Hash{}, err
	}

	private := ed25519.NewKeyFromSeed(seed.Bytes())
	public := private.Public().(ed25519.PublicKey)
	secret.Zero(private)

	agent, err := hash.FromAgentKey(public)
	if err != nil {
		seed.Close()
		return hash.Hash{}, err
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		seed.Close()
		return hash.Hash{}, ErrClosed
	}
	k.admit(agent, public, seed)
	err = k.persistLocked()
	k.mu.Unlock()
	if err != nil {
		return hash.Hash{}, err
	}

	k.logger.Info("generated agent key", "agent", agent)
	return agent, nil
}

// admit installs a key and starts its worker. Caller holds k.mu.
func (k *Keystore) admit(agent hash.Hash, public ed25519.PublicKey, seed *secret.Buffer) {
	key := &agentKey{
		public:   public,
		seed:     seed,
		requests: make(chan signRequest),
	}
	k.agents[agent] = key
	k.wg.Add(1)
	go k.serve(key)
}

// serve drains one key's request queue. The private key is derived
// from the seed per request and zeroed immediately after use, so the
// expanded form never outlives a single signature.
func (k *Keystore) serve(key *agentKey) {
	defer k.wg.Done()
	for req := range key.requests {
		private := ed25519.NewKeyFromSeed(key.seed.Bytes())
		signature := ed25519.Sign(private, req.data)
		secret.Zero(private)
		req.reply <- signResult{signature: signature}
	}
}

// HasAgent reports whether the keystore holds a seed for agent.
func (k *Keystore) HasAgent(agent hash.Hash) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.agents[agent]
	return ok
}

// Agents lists every agent address the keystore can sign for.
func (k *Keystore) Agents() []hash.Hash {
	k.mu.Lock()
	defer k.mu.Unlock()
	agents := make([]hash.Hash, 0, len(k.agents))
	for agent := range k.agents {
		agents = append(agents, agent)
	}
	return agents
}

// Sign produces the agent's ed25519 signature over data. Requests for
// the same agent are serialized; the context bounds the wait.
func (k *Keystore) Sign(ctx context.Context, agent hash.Hash, data []byte) ([]byte, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrClosed
	}
	key, ok := k.agents[agent]
	k.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}

	req := signRequest{data: data, reply: make(chan signResult, 1)}
	select {
	case key.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.signature, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Verify checks an ed25519 signature against the public key embedded
// in the agent address. It needs no keystore state.
func Verify(agent hash.Hash, data, signature []byte) bool {
	if agent.Kind() != hash.Agent {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(agent.AgentKey()), data, signature)
}

// SignEphemeral signs data with a fresh one-shot keypair and returns
// the public key alongside the signature. The private half is
// discarded; nothing is persisted.
func (k *Keystore) SignEphemeral(data []byte) (ed25519.PublicKey, []byte, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("keystore: generating ephemeral key: %w", err)
	}
	signature := ed25519.Sign(private, data)
	secret.Zero(private)
	return public, signature, nil
}

// RandomBytes returns n bytes from the operating system's CSPRNG.
func (k *Keystore) RandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("keystore: negative random length %d", n)
	}
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("keystore: reading randomness: %w", err)
	}
	return data, nil
}

// Close stops all workers, zeros every held seed, and releases the
// passphrase. Pending Sign calls that have not yet been queued fail
// with ErrClosed.
func (k *Keystore) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	for _, key := range k.agents {
		close(key.requests)
	}
	k.mu.Unlock()

	k.wg.Wait()

	k.mu.Lock()
	defer k.mu.Unlock()
	var firstErr error
	for _, key := range k.agents {
		if err := key.seed.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, private := range k.boxes {
		if err := private.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if k.passphrase != nil {
		if err := k.passphrase.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
