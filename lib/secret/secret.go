// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds sensitive bytes — signing seeds, keystore
// passphrases, capability secrets — in memory the Go runtime cannot
// move or leak.
//
// A Buffer is backed by an anonymous mmap region outside the Go heap,
// locked into RAM with mlock so it never reaches swap, and marked
// MADV_DONTDUMP so it is absent from core dumps. Close zeros the
// region before unmapping it. The garbage collector never sees the
// memory, so no stray copy survives release.
package secret

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is protected memory for secret material. It must not be
// copied. Access after Close panics; Close is idempotent.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	length int
	closed bool
}

// New allocates a zero-filled protected buffer of the given size.
// The caller must Close it when the secret is no longer needed.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}

	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}

	return &Buffer{region: region, length: size}, nil
}

// FromBytes copies source into a new protected buffer and zeros the
// source in place, so the caller's slice no longer holds the secret.
func FromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: cannot create buffer from empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	Zero(source)
	return buffer, nil
}

// Bytes returns the secret data as a slice into the protected region.
// Do not retain the slice beyond the buffer's lifetime.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.region[:b.length]
}

// String returns a heap copy of the secret for API boundaries that
// require a string. Prefer Bytes where possible; the copy is subject
// to garbage collection.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return string(b.region[:b.length])
}

// Len returns the size of the secret data.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Equal compares the buffer against other in constant time.
func (b *Buffer) Equal(other []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return subtle.ConstantTimeCompare(b.region[:b.length], other) == 1
}

// Close zeros the contents, unlocks, and unmaps the region. After
// Close any read panics.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.region)

	var firstErr error
	if err := unix.Munlock(b.region); err != nil {
		firstErr = fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(b.region); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap: %w", err)
	}
	b.region = nil
	return firstErr
}

// Zero overwrites a slice in place.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ReadFromPath reads a secret from a file, or from stdin when path is
// "-". Surrounding whitespace is trimmed and all transient copies are
// zeroed. The returned buffer must be closed by the caller.
func ReadFromPath(path string) (*Buffer, error) {
	var data []byte
	if path == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("secret: reading stdin: %w", err)
			}
			return nil, fmt.Errorf("secret: stdin is empty")
		}
		data = scanner.Bytes()
	} else {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret: %s is empty", path)
	}

	buffer, err := FromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
