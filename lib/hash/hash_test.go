// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package hash

import (
	"strings"
	"testing"

	"github.com/weave-foundation/weave/lib/codec"
)

func TestSumDeterministic(t *testing.T) {
	a := Sum(Entry, []byte("hello"))
	b := Sum(Entry, []byte("hello"))
	if a != b {
		t.Fatalf("same content produced different hashes: %s vs %s", a, b)
	}
	c := Sum(Entry, []byte("hello!"))
	if a == c {
		t.Fatal("different content produced the same hash")
	}
}

func TestKindSeparation(t *testing.T) {
	entry := Sum(Entry, []byte("payload"))
	action := Sum(Action, []byte("payload"))
	if entry == action {
		t.Fatal("kind prefix did not separate addresses for identical content")
	}
	if entry.Digest() != action.Digest() {
		t.Fatal("digest should be identical across kinds for identical content")
	}
	if entry.Location() != action.Location() {
		t.Fatal("location is derived from the digest and must match across kinds")
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	inputs := [][]byte{
		nil,
		[]byte(""),
		[]byte("a"),
		[]byte("the quick brown fox"),
		make([]byte, 4096),
	}
	for _, kind := range []Kind{Agent, Entry, Action, Dna, Op, Wasm, External} {
		for _, input := range inputs {
			h := Sum(kind, input)
			rendered := h.String()
			parsed, err := Parse(rendered)
			if err != nil {
				t.Fatalf("Parse(%q): %v", rendered, err)
			}
			if parsed != h {
				t.Fatalf("round trip mismatch: %s != %s", parsed, h)
			}
			if parsed.String() != rendered {
				t.Fatalf("re-render mismatch: %s != %s", parsed.String(), rendered)
			}
		}
	}
}

func TestRenderFormat(t *testing.T) {
	h := Sum(Action, []byte("x"))
	s := h.String()
	if !strings.HasPrefix(s, "u") {
		t.Fatalf("rendered hash %q does not start with encoding prefix u", s)
	}
	if strings.ContainsAny(s, "+/=") {
		t.Fatalf("rendered hash %q contains non-URL-safe or padding characters", s)
	}
	// 39 bytes -> 52 base64 characters, plus the prefix.
	if len(s) != 53 {
		t.Fatalf("rendered hash length %d, want 53", len(s))
	}
}

func TestParseRejectsCorruption(t *testing.T) {
	h := Sum(Entry, []byte("content"))

	tests := []struct {
		name    string
		mutate  func(raw []byte)
		wantErr string
	}{
		{"flipped_digest_byte", func(raw []byte) { raw[10] ^= 0x01 }, "location trailer mismatch"},
		{"flipped_location_byte", func(raw []byte) { raw[37] ^= 0x01 }, "location trailer mismatch"},
		{"unknown_kind", func(raw []byte) { raw[1] = 0x00 }, "unregistered kind"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			raw := make([]byte, Size)
			copy(raw, h[:])
			test.mutate(raw)
			_, err := FromBytes(raw)
			if err == nil {
				t.Fatal("corrupted address parsed without error")
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Fatalf("error %q does not contain %q", err, test.wantErr)
			}
		})
	}
}

func TestZeroHashRoundTrips(t *testing.T) {
	// The zero address stands for "no referent" (a genesis action's
	// Prev, the pinned fields of a countersigned action). It must
	// survive every encoding a stored record passes through.
	var zero Hash

	parsed, err := Parse(zero.String())
	if err != nil {
		t.Fatalf("Parse(zero): %v", err)
	}
	if !parsed.IsZero() {
		t.Fatalf("Parse(zero) = %s, want zero", parsed)
	}

	if _, err := FromBytes(make([]byte, Size)); err != nil {
		t.Fatalf("FromBytes(zero): %v", err)
	}

	type carrier struct {
		Prev Hash `cbor:"prev"`
		Self Hash `cbor:"self"`
	}
	in := carrier{Self: Sum(Action, []byte("genesis"))}
	encoded, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var out carrier
	if err := codec.Unmarshal(encoded, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: %+v != %+v", out, in)
	}
}

func TestParseRejectsMalformedText(t *testing.T) {
	for _, input := range []string{"", "x", "uAAAA", "u!!!!", Sum(Entry, []byte("x")).String() + "A"} {
		if _, err := Parse(input); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", input)
		}
	}
}

func TestAgentKeyEmbedding(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	h, err := FromAgentKey(key)
	if err != nil {
		t.Fatalf("FromAgentKey: %v", err)
	}
	got := h.AgentKey()
	for i := range key {
		if got[i] != key[i] {
			t.Fatalf("recovered key differs at byte %d", i)
		}
	}
	if _, err := FromAgentKey(key[:16]); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestRetype(t *testing.T) {
	h := Sum(Action, []byte("record"))
	e := h.Retype(Entry)
	if e.Kind() != Entry {
		t.Fatalf("retyped kind = %s, want entry", e.Kind())
	}
	if e.Digest() != h.Digest() || e.Location() != h.Location() {
		t.Fatal("retype must preserve digest and location")
	}
}
