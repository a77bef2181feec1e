// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/weave-foundation/weave/lib/secret"
)

// x25519 box operations for the encrypted-messaging host functions.
// Box keypairs are distinct from agent signing keys: a module creates
// one, publishes the public half through its own entries, and the
// keystore holds the private half alongside the agent seeds.

const nonceSize = 24

// CreateX25519Keypair generates a box keypair, persists the private
// half, and returns the public key.
func (k *Keystore) CreateX25519Keypair() ([32]byte, error) {
	public, private, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return [32]byte{}, fmt.Errorf("keystore: generating x25519 keypair: %w", err)
	}
	protected, err := secret.FromBytes(private[:])
	if err != nil {
		return [32]byte{}, err
	}

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		protected.Close()
		return [32]byte{}, ErrClosed
	}
	k.boxes[*public] = protected
	err = k.persistLocked()
	k.mu.Unlock()
	if err != nil {
		return [32]byte{}, err
	}
	return *public, nil
}

// X25519Encrypt seals plaintext from the held sender key to the
// recipient public key. Output is a random 24-byte nonce followed by
// the box ciphertext.
func (k *Keystore) X25519Encrypt(sender, recipient [32]byte, plaintext []byte) ([]byte, error) {
	private, err := k.boxPrivate(sender)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("keystore: generating nonce: %w", err)
	}
	sealed := box.Seal(nonce[:], plaintext, &nonce, &recipient, private)
	secret.Zero(private[:])
	return sealed, nil
}

// X25519Decrypt opens ciphertext addressed to the held recipient key
// from the sender public key.
func (k *Keystore) X25519Decrypt(recipient, sender [32]byte, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("keystore: ciphertext shorter than nonce (%d bytes)", len(ciphertext))
	}
	private, err := k.boxPrivate(recipient)
	if err != nil {
		return nil, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := box.Open(nil, ciphertext[nonceSize:], &nonce, &sender, private)
	secret.Zero(private[:])
	if !ok {
		return nil, fmt.Errorf("keystore: box does not open for the given keys")
	}
	return plaintext, nil
}

// boxPrivate copies the held private key for a box public key into a
// fresh array the caller must zero after use.
func (k *Keystore) boxPrivate(public [32]byte) (*[32]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrClosed
	}
	protected, ok := k.boxes[public]
	if !ok {
		return nil, fmt.Errorf("keystore: no x25519 private key for the given public key")
	}
	var private [32]byte
	copy(private[:], protected.Bytes())
	return &private, nil
}
