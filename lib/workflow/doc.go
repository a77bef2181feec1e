// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package workflow drives a cell's background work: projecting ops
// from freshly committed records, moving ops through validation,
// integrating them, publishing authored ops to authorities, returning
// validation receipts, and firing scheduled functions.
//
// Each workflow runs in its own goroutine on a coalescing trigger:
// any number of Fire calls while a pass is running collapse into one
// follow-up pass, so bursts of commits cost one wake-up, not one per
// commit. Store post-commit hooks and periodic ticks are the two
// trigger sources.
package workflow
