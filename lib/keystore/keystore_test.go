// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/secret"
)

func testKeystore(t *testing.T, dir string) *Keystore {
	t.Helper()
	passphrase, err := secret.FromBytes([]byte("test passphrase"))
	if err != nil {
		t.Fatal(err)
	}
	k, err := New(filepath.Join(dir, "seeds.age"), passphrase, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func TestGenerateAndSign(t *testing.T) {
	k := testKeystore(t, t.TempDir())
	defer k.Close()
	ctx := context.Background()

	agent, err := k.GenerateAgent(ctx)
	if err != nil {
		t.Fatalf("GenerateAgent: %v", err)
	}
	if agent.Kind() != hash.Agent {
		t.Fatalf("agent address kind = %s", agent.Kind())
	}
	if !k.HasAgent(agent) {
		t.Fatal("generated agent not held")
	}

	data := []byte("chain action bytes")
	signature, err := k.Sign(ctx, agent, data)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(agent, data, signature) {
		t.Fatal("signature does not verify against agent address")
	}
	if Verify(agent, []byte("other"), signature) {
		t.Fatal("signature verified over different data")
	}

	other := hash.Sum(hash.Agent, []byte("nobody"))
	if _, err := k.Sign(ctx, other, data); err == nil {
		t.Fatal("signing for unknown agent succeeded")
	}
}

func TestSignConcurrent(t *testing.T) {
	k := testKeystore(t, t.TempDir())
	defer k.Close()
	ctx := context.Background()

	agent, err := k.GenerateAgent(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			data := []byte{byte(n)}
			signature, err := k.Sign(ctx, agent, data)
			if err != nil {
				t.Errorf("Sign: %v", err)
				return
			}
			if !Verify(agent, data, signature) {
				t.Error("concurrent signature does not verify")
			}
		}(i)
	}
	wg.Wait()
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := testKeystore(t, dir)
	agent, err := first.GenerateAgent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	boxPublic, err := first.CreateX25519Keypair()
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := testKeystore(t, dir)
	defer second.Close()
	if !second.HasAgent(agent) {
		t.Fatal("agent lost across restart")
	}
	signature, err := second.Sign(ctx, agent, []byte("after restart"))
	if err != nil {
		t.Fatalf("Sign after reload: %v", err)
	}
	if !Verify(agent, []byte("after restart"), signature) {
		t.Fatal("reloaded seed produced bad signature")
	}

	// The x25519 private key must survive too.
	peer, err := second.CreateX25519Keypair()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := second.X25519Encrypt(peer, boxPublic, []byte("hello"))
	if err != nil {
		t.Fatalf("X25519Encrypt: %v", err)
	}
	opened, err := second.X25519Decrypt(boxPublic, peer, sealed)
	if err != nil {
		t.Fatalf("X25519Decrypt: %v", err)
	}
	if string(opened) != "hello" {
		t.Fatalf("decrypted %q, want %q", opened, "hello")
	}
}

func TestWrongPassphraseRejected(t *testing.T) {
	dir := t.TempDir()
	first := testKeystore(t, dir)
	if _, err := first.GenerateAgent(context.Background()); err != nil {
		t.Fatal(err)
	}
	first.Close()

	wrong, err := secret.FromBytes([]byte("not the passphrase"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(filepath.Join(dir, "seeds.age"), wrong, nil); err == nil {
		t.Fatal("seed file decrypted with wrong passphrase")
	}
}

func TestX25519WrongKeyFails(t *testing.T) {
	k := testKeystore(t, t.TempDir())
	defer k.Close()

	alice, err := k.CreateX25519Keypair()
	if err != nil {
		t.Fatal(err)
	}
	bob, err := k.CreateX25519Keypair()
	if err != nil {
		t.Fatal(err)
	}
	mallory, err := k.CreateX25519Keypair()
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := k.X25519Encrypt(alice, bob, []byte("for bob"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := k.X25519Decrypt(mallory, alice, sealed); err == nil {
		t.Fatal("box opened with the wrong recipient key")
	}
}

func TestSignEphemeral(t *testing.T) {
	k := testKeystore(t, t.TempDir())
	defer k.Close()

	public, signature, err := k.SignEphemeral([]byte("one-shot"))
	if err != nil {
		t.Fatalf("SignEphemeral: %v", err)
	}
	agent, err := hash.FromAgentKey(public)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(agent, []byte("one-shot"), signature) {
		t.Fatal("ephemeral signature does not verify")
	}
}

func TestClosedKeystoreRefuses(t *testing.T) {
	k := testKeystore(t, t.TempDir())
	ctx := context.Background()
	agent, err := k.GenerateAgent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := k.Sign(ctx, agent, []byte("x")); err != ErrClosed {
		t.Fatalf("Sign after Close = %v, want ErrClosed", err)
	}
	if _, err := k.GenerateAgent(ctx); err != ErrClosed {
		t.Fatalf("GenerateAgent after Close = %v, want ErrClosed", err)
	}
}
