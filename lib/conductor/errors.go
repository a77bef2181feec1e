// Copyright 2026 The Weave Authors
// SPDX-License-Identifier: Apache-2.0

package conductor

import (
	"errors"
	"fmt"

	"github.com/weave-foundation/weave/lib/dispatch"
	"github.com/weave-foundation/weave/lib/journal"
	"github.com/weave-foundation/weave/lib/zome"
)

// ErrorKind tags every externally visible failure with its place in
// the taxonomy: transient failures may be retried, structural and
// policy failures must not be, fatal failures disable the cell.
type ErrorKind string

const (
	KindTransient  ErrorKind = "transient"
	KindStructural ErrorKind = "structural"
	KindPolicy     ErrorKind = "policy"
	KindFatal      ErrorKind = "fatal"
)

// Error is a classified failure. It satisfies service.Classified so
// the kind tag rides the response envelope; the message never carries
// a backtrace.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string     { return e.Message }
func (e *Error) ErrorKind() string { return string(e.Kind) }
func (e *Error) Unwrap() error     { return e.Err }

func classified(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

func classifiedf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// classify maps an internal error onto the taxonomy. Anything
// unrecognized is structural: surfaced, not retried.
func classify(err error) *Error {
	var already *Error
	switch {
	case errors.As(err, &already):
		return already
	case errors.Is(err, dispatch.ErrUnauthorized),
		errors.Is(err, dispatch.ErrSessionActive),
		errors.Is(err, journal.ErrChainLocked):
		return classified(KindPolicy, err)
	case errors.Is(err, journal.ErrKeystoreUnavailable),
		errors.Is(err, dispatch.ErrTooManyRetries):
		return classified(KindTransient, err)
	case errors.Is(err, zome.ErrNoSuchFunction),
		errors.Is(err, zome.ErrNotFound):
		return classified(KindStructural, err)
	default:
		return classified(KindStructural, err)
	}
}
