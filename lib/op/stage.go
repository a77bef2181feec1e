// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package op

// Stage is an op's position in the validation lifecycle. Every op
// enters at Pending and ends at one of the terminal stages.
type Stage string

const (
	// Pending: received, not yet examined.
	Pending Stage = "pending"

	// AwaitingSysDeps: sys-validation needs a dependency that is not
	// held locally; a fetch is scheduled.
	AwaitingSysDeps Stage = "awaiting_sys_deps"

	// SysValidated: structural and cryptographic checks passed.
	SysValidated Stage = "sys_validated"

	// AwaitingAppDeps: the application callback named dependencies
	// that are not held locally.
	AwaitingAppDeps Stage = "awaiting_app_deps"

	// AppValidated: the application callback returned valid.
	AppValidated Stage = "app_validated"

	// Integrated: terminal; the op's side effects are materialized
	// and the op is served to peers.
	Integrated Stage = "integrated"

	// Rejected: terminal; validation failed and a warrant was issued
	// against the author.
	Rejected Stage = "rejected"

	// Abandoned: terminal; a dependency never arrived within the
	// retry bound.
	Abandoned Stage = "abandoned"
)

// Terminal reports whether a stage is final.
func (s Stage) Terminal() bool {
	switch s {
	case Integrated, Rejected, Abandoned:
		return true
	}
	return false
}
