// Package errors provides error handling for weft.
//
// It re-exports the subset of github.com/cockroachdb/errors that weft
// uses, so the rest of the module gets stack traces, wrapping, and
// sentinel matching from a single import path.
//
// Usage:
//
//	// Sentinels
//	var ErrNoNode = errors.New("coord: no node")
//
//	// Wrap with context
//	if err := store.SetData(ctx, path, data); err != nil {
//	    return errors.Wrapf(err, "failed to publish load for %s", key)
//	}
//
//	// Classify
//	if errors.Is(err, coord.ErrSessionLost) {
//	    // re-register
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New         = crdb.New
	Newf        = crdb.Newf
	Wrap        = crdb.Wrap
	Wrapf       = crdb.Wrapf
	WithStack   = crdb.WithStack
	WithMessage = crdb.WithMessage
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)
