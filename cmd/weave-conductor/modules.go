// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/weave-foundation/weave/lib/zome"
)

// builtinModules returns the application modules compiled into this
// conductor build. Deployments add their modules here; the conductor
// matches installed apps to modules by the content address of the
// manifest, so every node running the same module agrees on the app's
// identity.
func builtinModules() []zome.Module {
	return nil
}
