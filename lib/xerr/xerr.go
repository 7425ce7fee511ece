// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package xerr defines the error kinds of spec §7 and wraps causes with
// github.com/pkg/errors so a stack trace survives to the log sink while
// call sites can still recover the kind with errors.As.
package xerr

import "github.com/pkg/errors"

// Kind classifies an error the way spec §7 requires: per-peer errors stay
// contained, startup config/storage errors abort, everything else is logged
// and the mesh continues.
type Kind int

const (
	Internal Kind = iota
	ConfigError
	NameInvalid
	StorageError
	NetworkError
	ProtocolError
	PeerUnreachable
	NoKey
	Timeout
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case NameInvalid:
		return "NameInvalid"
	case StorageError:
		return "StorageError"
	case NetworkError:
		return "NetworkError"
	case ProtocolError:
		return "ProtocolError"
	case PeerUnreachable:
		return "PeerUnreachable"
	case NoKey:
		return "NoKey"
	case Timeout:
		return "Timeout"
	default:
		return "Internal"
	}
}

// Error pairs a Kind with a wrapped cause.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.cause.Error() }
func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Cause() error  { return e.cause }

// New creates a Kind-tagged error with a stack trace attached.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error, preserving its stack if it
// already has one (errors.Wrap adds one if not).
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.Wrap(cause, msg)}
}

// KindOf extracts the Kind from err, defaulting to Internal for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsFatal reports whether an error of this kind should abort Open/Start
// rather than merely being logged (spec §7: "ConfigError and StorageError
// at startup abort; during runtime they are logged").
func IsFatal(err error) bool {
	switch KindOf(err) {
	case ConfigError, StorageError:
		return true
	default:
		return false
	}
}
