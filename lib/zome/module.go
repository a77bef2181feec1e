// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package zome

import (
	"context"
	"errors"
	"fmt"

	"github.com/weave-foundation/weave/lib/op"
	"github.com/weave-foundation/weave/lib/validate"
)

// ErrNoSuchFunction is returned by a module asked to invoke a function
// it does not export.
var ErrNoSuchFunction = errors.New("zome: no such function")

// Module is application code for one app: integrity rules plus
// callable functions. Implementations must be safe for concurrent
// invocation and hold no state outside the host API — every effect
// flows through the host.
type Module interface {
	// Manifest declares the module's zomes, their entry and link type
	// ranges, and their exported functions.
	Manifest() Manifest

	// Invoke runs one exported function. The zome is named by the
	// host; unknown functions fail with ErrNoSuchFunction.
	Invoke(ctx context.Context, host *HostAPI, function string, payload []byte) ([]byte, error)

	// ValidateOp is the module's application validation rule, called
	// by the validation pipeline for every op whose basis this node
	// holds authority over.
	ValidateOp(ctx context.Context, o op.Op) (validate.Outcome, error)
}

// Bundler is implemented by modules distributed as portable bytecode.
// The conductor archives the bundle at registration, keyed by its
// content address, so the bytes can be served to peers installing the
// same DNA.
type Bundler interface {
	// Bundle returns the module's bytecode.
	Bundle() []byte
}

// Manifest declares an app's integrity surface. Zome order is
// significant: actions reference zomes by index.
type Manifest struct {
	Name  string
	Zomes []ZomeManifest
}

// ZomeManifest declares one zome.
type ZomeManifest struct {
	Name string

	// EntryTypes and LinkTypes are the counts of declared types; valid
	// indices are [0, count).
	EntryTypes uint8
	LinkTypes  uint8

	// Functions lists the exported functions.
	Functions []Function
}

// Function declares one exported function. Public functions are
// callable by anyone without a capability; everything else needs the
// author's provenance or a live grant.
type Function struct {
	Name   string
	Public bool
}

// ZomeIndex returns the index of the named zome.
func (m Manifest) ZomeIndex(name string) (uint8, bool) {
	for i, z := range m.Zomes {
		if z.Name == name {
			return uint8(i), true
		}
	}
	return 0, false
}

// HasFunction reports whether the named zome exports the function.
func (m Manifest) HasFunction(zome, function string) bool {
	for _, z := range m.Zomes {
		if z.Name != zome {
			continue
		}
		for _, fn := range z.Functions {
			if fn.Name == function {
				return true
			}
		}
	}
	return false
}

// FunctionPublic reports whether the named function exists and is
// tagged public.
func (m Manifest) FunctionPublic(zome, function string) bool {
	for _, z := range m.Zomes {
		if z.Name != zome {
			continue
		}
		for _, fn := range z.Functions {
			if fn.Name == function {
				return fn.Public
			}
		}
	}
	return false
}

// EntryTypeValid reports whether the declared entry type exists. Part
// of the validation pipeline's type-bounds rule.
func (m Manifest) EntryTypeValid(zomeIndex, entryIndex uint8) bool {
	if int(zomeIndex) >= len(m.Zomes) {
		return false
	}
	return entryIndex < m.Zomes[zomeIndex].EntryTypes
}

// LinkTypeValid reports whether the declared link type exists.
func (m Manifest) LinkTypeValid(zomeIndex, linkType uint8) bool {
	if int(zomeIndex) >= len(m.Zomes) {
		return false
	}
	return linkType < m.Zomes[zomeIndex].LinkTypes
}

// Check verifies the manifest is usable: a name, at least one zome,
// and no duplicate zome or function names.
func (m Manifest) Check() error {
	if m.Name == "" {
		return fmt.Errorf("zome: manifest has no name")
	}
	if len(m.Zomes) == 0 {
		return fmt.Errorf("zome: manifest %q declares no zomes", m.Name)
	}
	seen := make(map[string]bool, len(m.Zomes))
	for _, z := range m.Zomes {
		if z.Name == "" {
			return fmt.Errorf("zome: manifest %q has an unnamed zome", m.Name)
		}
		if seen[z.Name] {
			return fmt.Errorf("zome: duplicate zome %q", z.Name)
		}
		seen[z.Name] = true
		fns := make(map[string]bool, len(z.Functions))
		for _, fn := range z.Functions {
			if fn.Name == "" {
				return fmt.Errorf("zome: zome %q exports an unnamed function", z.Name)
			}
			if fns[fn.Name] {
				return fmt.Errorf("zome: zome %q exports %q twice", z.Name, fn.Name)
			}
			fns[fn.Name] = true
		}
	}
	return nil
}
