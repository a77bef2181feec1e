// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package zome defines the boundary between the runtime and
// application code. A module is called through one narrow entry point
// and reaches back into the runtime through a host API value carrying
// exactly the capabilities of the calling cell: chain writes go into a
// per-call scratch space and only land when the surrounding call
// commits, reads see the committed stores plus the call's own scratch.
package zome
