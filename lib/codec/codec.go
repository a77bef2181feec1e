// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Weave's canonical CBOR configuration.
//
// Every content-addressed structure — entries, actions, ops, preflight
// requests — is hashed over its codec.Marshal output, so the encoder
// must be deterministic: Core Deterministic Encoding (RFC 8949 §4.2)
// gives sorted map keys, smallest integer encoding, and no
// indefinite-length items. Two agents encoding the same logical value
// always produce identical bytes, and therefore identical hashes.
//
// The same configuration carries the admin and app socket protocols,
// so there is exactly one serialization dialect in the system.
package codec

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// hash.Hash implements encoding.TextMarshaler; addresses serialize
	// as their rendered text form rather than opaque 39-byte strings,
	// keeping wire payloads greppable in diagnostics.
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// When decoding into any-typed targets, produce
		// map[string]any rather than the CBOR default
		// map[interface{}]interface{}. Weave never uses non-string
		// map keys.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v. Unknown fields are ignored for
// forward compatibility.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, used to delay decoding of
// action payloads and socket request bodies.
type RawMessage = cbor.RawMessage

// Encoder is a CBOR stream encoder bound to Weave's encoding mode.
type Encoder = cbor.Encoder

// Decoder is a CBOR stream decoder bound to Weave's decoding mode.
type Decoder = cbor.Decoder

// NewEncoder returns a stream encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a stream decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
