// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/weave-foundation/weave/lib/hash"
)

// Wasm-kind stores hold compute module bytecode keyed by its content
// address. Module blobs compress well and are read rarely (once per
// module instantiation), so they are zstd frames at rest.

// PutWasmModule stores module bytecode under its wasm address. The
// caller provides the address so the store never needs to know the
// hashing rules for bytecode it is merely warehousing; the address is
// verified against the bytes before insert.
func (tx *Tx) PutWasmModule(moduleHash hash.Hash, bytecode []byte) error {
	if moduleHash.Kind() != hash.Wasm {
		return fmt.Errorf("store: wasm module address has kind %s", moduleHash.Kind())
	}
	if computed := hash.Sum(hash.Wasm, bytecode); computed != moduleHash {
		return fmt.Errorf("store: wasm bytecode does not match address %s", moduleHash)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("store: creating zstd encoder: %w", err)
	}
	compressed := encoder.EncodeAll(bytecode, nil)
	encoder.Close()

	err = sqlitex.Execute(tx.conn, `
		INSERT OR IGNORE INTO wasm_module (hash, uncompressed_size, blob, stored_ts)
		VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			hashArg(moduleHash), int64(len(bytecode)), compressed,
			tx.store.clock.Now().UnixMicro(),
		}})
	if err != nil {
		return fmt.Errorf("store: inserting wasm module: %w", err)
	}
	return nil
}

// WasmModule returns the decompressed bytecode stored under the wasm
// address.
func (s *Store) WasmModule(ctx context.Context, moduleHash hash.Hash) ([]byte, bool, error) {
	var compressed []byte
	var size int64
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			SELECT blob, uncompressed_size FROM wasm_module WHERE hash = ?`,
			&sqlitex.ExecOptions{
				Args: []any{hashArg(moduleHash)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					compressed = columnBytes(stmt, 0)
					size = stmt.ColumnInt64(1)
					return nil
				},
			})
	})
	if err != nil {
		return nil, false, err
	}
	if compressed == nil {
		return nil, false, nil
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: creating zstd decoder: %w", err)
	}
	defer decoder.Close()
	bytecode, err := decoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, false, fmt.Errorf("store: decompressing wasm module: %w", err)
	}
	return bytecode, true, nil
}
