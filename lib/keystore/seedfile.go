// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/weave-foundation/weave/lib/codec"
	"github.com/weave-foundation/weave/lib/hash"
	"github.com/weave-foundation/weave/lib/secret"
)

// formatMarker names the at-rest format next to the seed file, so an
// operator inspecting the state directory can tell how the blob was
// produced without decrypting it.
const formatMarker = "weave-keystore v1 age-scrypt\n"

// seedFile is the decrypted at-rest layout. Only seeds are stored;
// public keys and agent addresses are rederived on load.
type seedFile struct {
	Version int          `cbor:"version"`
	Agents  []savedAgent `cbor:"agents"`
	Boxes   []savedBox   `cbor:"boxes"`
}

type savedAgent struct {
	Seed []byte `cbor:"seed"`
}

type savedBox struct {
	Public  []byte `cbor:"public"`
	Private []byte `cbor:"private"`
}

// load reads and decrypts the seed file, if present, and starts a
// worker per recovered agent.
func (k *Keystore) load() error {
	ciphertext, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("keystore: reading seed file: %w", err)
	}

	identity, err := age.NewScryptIdentity(k.passphrase.String())
	if err != nil {
		return fmt.Errorf("keystore: deriving identity from passphrase: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return fmt.Errorf("keystore: decrypting seed file (wrong passphrase?): %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("keystore: decrypting seed file: %w", err)
	}
	defer secret.Zero(plaintext)

	var file seedFile
	if err := codec.Unmarshal(plaintext, &file); err != nil {
		return fmt.Errorf("keystore: decoding seed file: %w", err)
	}
	if file.Version != 1 {
		return fmt.Errorf("keystore: unsupported seed file version %d", file.Version)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, saved := range file.Agents {
		if len(saved.Seed) != ed25519.SeedSize {
			return fmt.Errorf("keystore: stored seed has %d bytes, want %d", len(saved.Seed), ed25519.SeedSize)
		}
		seed, err := secret.FromBytes(saved.Seed)
		if err != nil {
			return err
		}
		private := ed25519.NewKeyFromSeed(seed.Bytes())
		public := private.Public().(ed25519.PublicKey)
		secret.Zero(private)
		agent, err := hash.FromAgentKey(public)
		if err != nil {
			seed.Close()
			return err
		}
		k.admit(agent, public, seed)
	}
	for _, saved := range file.Boxes {
		if len(saved.Public) != 32 || len(saved.Private) != 32 {
			return fmt.Errorf("keystore: stored x25519 key has wrong length")
		}
		private, err := secret.FromBytes(saved.Private)
		if err != nil {
			return err
		}
		var public [32]byte
		copy(public[:], saved.Public)
		k.boxes[public] = private
	}

	k.logger.Info("loaded keystore",
		"agents", len(file.Agents), "x25519_keys", len(file.Boxes))
	return nil
}

// persistLocked encrypts the current seeds to the seed file. Caller
// holds k.mu. The file is written to a sibling temp path and renamed
// into place so a crash never leaves a truncated seed file.
func (k *Keystore) persistLocked() error {
	file := seedFile{Version: 1}
	for _, key := range k.agents {
		file.Agents = append(file.Agents, savedAgent{Seed: append([]byte(nil), key.seed.Bytes()...)})
	}
	for public, private := range k.boxes {
		file.Boxes = append(file.Boxes, savedBox{
			Public:  append([]byte(nil), public[:]...),
			Private: append([]byte(nil), private.Bytes()...),
		})
	}

	plaintext, err := codec.Marshal(&file)
	if err != nil {
		return fmt.Errorf("keystore: encoding seed file: %w", err)
	}
	defer func() {
		secret.Zero(plaintext)
		for _, saved := range file.Agents {
			secret.Zero(saved.Seed)
		}
		for _, saved := range file.Boxes {
			secret.Zero(saved.Private)
		}
	}()

	recipient, err := age.NewScryptRecipient(k.passphrase.String())
	if err != nil {
		return fmt.Errorf("keystore: deriving recipient from passphrase: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("keystore: starting encryption: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("keystore: encrypting seed file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("keystore: finalizing encryption: %w", err)
	}

	dir := filepath.Dir(k.path)
	temp, err := os.CreateTemp(dir, ".seeds-*")
	if err != nil {
		return fmt.Errorf("keystore: creating temp seed file: %w", err)
	}
	tempPath := temp.Name()
	if err := temp.Chmod(0o600); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("keystore: restricting seed file mode: %w", err)
	}
	if _, err := temp.Write(ciphertext.Bytes()); err != nil {
		temp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("keystore: writing seed file: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("keystore: closing seed file: %w", err)
	}
	if err := os.Rename(tempPath, k.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("keystore: installing seed file: %w", err)
	}

	if err := os.WriteFile(k.path+".format", []byte(formatMarker), 0o644); err != nil {
		return fmt.Errorf("keystore: writing format marker: %w", err)
	}
	return nil
}
