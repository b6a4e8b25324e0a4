// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package engineerr defines the stable error discriminants surfaced by
// the sync engine and the helpers used to classify arbitrary errors
// into them.
package engineerr

import (
	"github.com/pkg/errors"
)

// Kind is a stable discriminant for an engine-level error.
type Kind int

const (
	// Unknown covers errors that have not been classified.
	Unknown Kind = iota
	// MalformedBatch is a role/alignment/nullability violation in an
	// inbound batch. Non-retriable; the caller must fix the payload.
	MalformedBatch
	// UnknownStore means the declared storage location could not be
	// resolved against the catalog.
	UnknownStore
	// SchemaConflict means the batch's columns are incompatible with
	// the target table's current schema.
	SchemaConflict
	// FormatMismatch means the declared table format differs from the
	// format the destination table already uses.
	FormatMismatch
	// Overloaded is an admission-control verdict, not a transport
	// error; it is retriable after backoff.
	Overloaded
	// CommitConflict means another writer advanced the table's
	// version; retried internally up to a cap.
	CommitConflict
	// Io covers object-store or catalog unavailability; retried with
	// backoff.
	Io
	// Fatal is an invariant violation. The engine stops accepting new
	// messages and terminates after draining.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case MalformedBatch:
		return "MalformedBatch"
	case UnknownStore:
		return "UnknownStore"
	case SchemaConflict:
		return "SchemaConflict"
	case FormatMismatch:
		return "FormatMismatch"
	case Overloaded:
		return "Overloaded"
	case CommitConflict:
		return "CommitConflict"
	case Io:
		return "Io"
	case Fatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Retriable reports whether an error of this kind should be retried by
// the caller (Overloaded) or internally (CommitConflict, Io).
func (k Kind) Retriable() bool {
	switch k {
	case Overloaded, CommitConflict, Io:
		return true
	default:
		return false
	}
}

// kinded is satisfied by any error that knows its own Kind.
type kinded interface {
	Kind() Kind
}

// kindError wraps a cause with a fixed Kind, satisfying both the error
// and kinded interfaces.
type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *kindError) Kind() Kind   { return e.kind }
func (e *kindError) Unwrap() error { return e.cause }

// New returns an error of the given Kind wrapping msg.
func New(kind Kind, msg string) error {
	return &kindError{kind: kind, cause: errors.New(msg)}
}

// Newf returns an error of the given Kind, formatted like
// [fmt.Errorf].
func Newf(kind Kind, format string, args ...any) error {
	return &kindError{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap attaches a Kind to an existing error.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &kindError{kind: kind, cause: cause}
}

// Classify extracts the Kind of err, if any component of its chain
// implements kinded. Returns Unknown otherwise.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return Unknown
}

// Is reports whether err's classified Kind equals kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}
