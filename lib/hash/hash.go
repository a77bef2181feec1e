// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Size is the full length of a content address in bytes: 3-byte type
// prefix + 32-byte digest + 4-byte location trailer.
const Size = 39

// DigestSize is the length of the BLAKE2b-256 digest portion.
const DigestSize = 32

// Kind identifies what category of content a hash addresses. The kind
// is carried in the 3-byte prefix so that a hash is self-describing on
// the wire and in text.
type Kind [3]byte

// The registered hash kinds. The byte values are chosen so that the
// base64 rendering of a hash starts with a stable, readable tag per
// kind (uhCAk..., uhCkk..., and so on).
var (
	Agent    = Kind{0x84, 0x20, 0x24}
	Entry    = Kind{0x84, 0x21, 0x24}
	Action   = Kind{0x84, 0x29, 0x24}
	Dna      = Kind{0x84, 0x2d, 0x24}
	Op       = Kind{0x84, 0x24, 0x24}
	Wasm     = Kind{0x84, 0x2a, 0x24}
	External = Kind{0x84, 0x2f, 0x24}
)

// kinds lists every registered kind for prefix validation during Parse.
var kinds = []Kind{Agent, Entry, Action, Dna, Op, Wasm, External}

// String returns a short human-readable name for the kind, used in
// error messages and logs.
func (k Kind) String() string {
	switch k {
	case Agent:
		return "agent"
	case Entry:
		return "entry"
	case Action:
		return "action"
	case Dna:
		return "dna"
	case Op:
		return "op"
	case Wasm:
		return "wasm"
	case External:
		return "external"
	}
	return fmt.Sprintf("unknown(%02x%02x%02x)", k[0], k[1], k[2])
}

// Hash is a complete 39-byte content address.
type Hash [Size]byte

// Sum computes the content address of data under the given kind:
// BLAKE2b-256 over data, with the location trailer derived from the
// digest.
func Sum(kind Kind, data []byte) Hash {
	digest := blake2b.Sum256(data)
	return FromDigest(kind, digest)
}

// FromDigest assembles a content address from a precomputed 32-byte
// digest. Used when the digest is carried separately (for example in a
// signed action that references an entry by digest).
func FromDigest(kind Kind, digest [DigestSize]byte) Hash {
	var h Hash
	copy(h[:3], kind[:])
	copy(h[3:35], digest[:])
	loc := locationBytes(digest)
	copy(h[35:], loc[:])
	return h
}

// FromAgentKey wraps a 32-byte ed25519 public key as an agent address.
// Agent addresses embed the key itself as the digest portion, so the
// key is recoverable from the address.
func FromAgentKey(publicKey []byte) (Hash, error) {
	if len(publicKey) != DigestSize {
		return Hash{}, fmt.Errorf("hash: agent key is %d bytes, want %d", len(publicKey), DigestSize)
	}
	var digest [DigestSize]byte
	copy(digest[:], publicKey)
	return FromDigest(Agent, digest), nil
}

// Kind returns the 3-byte type prefix.
func (h Hash) Kind() Kind {
	return Kind{h[0], h[1], h[2]}
}

// Digest returns the 32-byte digest portion.
func (h Hash) Digest() [DigestSize]byte {
	var digest [DigestSize]byte
	copy(digest[:], h[3:35])
	return digest
}

// AgentKey returns the embedded public key of an agent address. Only
// valid for kind Agent; the digest portion of any other kind is not a
// key.
func (h Hash) AgentKey() []byte {
	key := make([]byte, DigestSize)
	copy(key, h[3:35])
	return key
}

// Location returns the 4-byte trailer as a uint32 ring coordinate.
// Storage arcs are intervals over this 32-bit ring.
func (h Hash) Location() uint32 {
	return binary.LittleEndian.Uint32(h[35:])
}

// IsZero reports whether h is the zero value. The zero hash is never a
// valid content address.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Retype returns a copy of h with the kind prefix replaced. Digest and
// location are unchanged. Used where one address family is a view of
// another (an agent key referenced as an entry basis).
func (h Hash) Retype(kind Kind) Hash {
	out := h
	copy(out[:3], kind[:])
	return out
}

// encoding is unpadded URL-safe base64, preceded on the wire by the
// single ASCII prefix character below.
var encoding = base64.RawURLEncoding

// textPrefix identifies the encoding in rendered form.
const textPrefix = 'u'

// String renders the hash as text: "u" followed by unpadded URL-safe
// base64 of all 39 bytes.
func (h Hash) String() string {
	return string(textPrefix) + encoding.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler so hashes serialize as
// strings in CBOR maps, YAML, and logs.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with full
// validation via Parse.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Parse decodes a rendered hash, verifying the encoding prefix, the
// length, the kind prefix, and the location trailer. A trailer that
// does not match a recomputation from the digest is a hard error: it
// means the address was corrupted or forged in transit.
func Parse(s string) (Hash, error) {
	if len(s) == 0 || s[0] != textPrefix {
		return Hash{}, fmt.Errorf("hash: missing %q encoding prefix", string(textPrefix))
	}
	raw, err := encoding.DecodeString(s[1:])
	if err != nil {
		return Hash{}, fmt.Errorf("hash: decoding %q: %w", s, err)
	}
	return FromBytes(raw)
}

// FromBytes validates a raw 39-byte address. The kind prefix must be
// registered and the location trailer must match the digest. The
// all-zero address is accepted as the no-referent sentinel.
func FromBytes(raw []byte) (Hash, error) {
	if len(raw) != Size {
		return Hash{}, fmt.Errorf("hash: %d bytes, want %d", len(raw), Size)
	}
	var h Hash
	copy(h[:], raw)

	// The zero address is the "no referent" sentinel (genesis Prev,
	// countersigned action fields). It round-trips through every
	// encoding rather than failing kind validation.
	if h.IsZero() {
		return h, nil
	}

	known := false
	kind := h.Kind()
	for _, k := range kinds {
		if kind == k {
			known = true
			break
		}
	}
	if !known {
		return Hash{}, fmt.Errorf("hash: unregistered kind prefix %02x%02x%02x", raw[0], raw[1], raw[2])
	}

	want := locationBytes(h.Digest())
	if !bytes.Equal(h[35:], want[:]) {
		return Hash{}, fmt.Errorf("hash: location trailer mismatch for %s digest", kind)
	}
	return h, nil
}

// locationBytes derives the 4-byte location trailer from a digest. The
// digest is expanded to 64 bytes with BLAKE2b-512 and the sixteen
// successive 4-byte groups are XOR-folded into one. The expansion step
// spreads addresses uniformly around the ring even for digest families
// with structure (agent addresses embed raw public keys).
func locationBytes(digest [DigestSize]byte) [4]byte {
	expanded := blake2b.Sum512(digest[:])
	var loc [4]byte
	for group := 0; group < 16; group++ {
		for i := 0; i < 4; i++ {
			loc[i] ^= expanded[group*4+i]
		}
	}
	return loc
}
