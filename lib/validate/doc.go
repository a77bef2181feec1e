// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

// Package validate moves ops through the validation lifecycle: every
// op an agent receives — from gossip, direct publish, or its own
// authoring — enters at Pending and ends Integrated, Rejected, or
// Abandoned.
//
// Sys-validation is pure and deterministic: signatures, hash
// agreement, structural rules, and type compatibility of prior
// references. App-validation delegates to the application's
// validation callback. Both stages may discover missing
// dependencies; those ops park in an awaiting stage while the fetch
// pool hunts the dependency, and a bounded retry count decides when
// to give up.
//
// Rejection produces a warrant — a signed accusation against the
// op's author — recorded locally and handed to the op exchange for
// gossip. Integration materializes the op's side effects in the
// store and is idempotent.
package validate
