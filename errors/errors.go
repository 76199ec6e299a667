// Package errors provides error handling for ReasonChip.
//
// This package re-exports github.com/cockroachdb/errors, giving every
// component stack traces, wrapping with context, and portable encoding.
// Engine failures use the reportable stack trace to populate the
// stacktrace field of RESULT packets.
//
// Usage:
//
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	if errors.Is(err, engine.ErrWorkflowNotFound) {
//	    // handle not found
//	}
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Error creation and wrapping.
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing hints and details.
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection.
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Stack trace extraction, used when converting an engine failure into a
// RESULT packet.
var GetReportableStackTrace = crdb.GetReportableStackTrace

// Assertions.
var AssertionFailedf = crdb.AssertionFailedf
