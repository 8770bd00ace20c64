// Package errors provides the error taxonomy shared by the engine,
// transaction manager and pool. Driver-native errors are never wrapped into
// this taxonomy; only lifecycle and structural misuse is.
package errors

import (
	"errors"
	"fmt"
)

// Error codes classifying lifecycle and structural errors.
const (
	// CodeUninitialized marks operations on an engine or pool that was
	// never set up.
	CodeUninitialized = "uninitialized"

	// CodeInterface marks structural misuse: double release, use after
	// release, wrong release order, starting a transaction twice, mode
	// mismatch on transaction control calls.
	CodeInterface = "interface_error"

	// CodeNoResult marks a one-row query that returned no rows.
	CodeNoResult = "no_result"

	// CodeMultipleResults marks an at-most-one-row query that returned
	// more than one row.
	CodeMultipleResults = "multiple_results"

	// CodeTimeout marks pool acquisition or query execution that exceeded
	// the caller's deadline.
	CodeTimeout = "timeout"
)

// Error is the concrete error type carrying a classification code, the
// operation that failed and an optional cause.
type Error struct {
	Code    string
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the cause for error chaining.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two errors by code so sentinel comparison works through
// errors.Is without sharing instances.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Uninitialized reports an operation that requires a bound engine or pool.
func Uninitialized(op, message string) *Error {
	return &Error{Code: CodeUninitialized, Op: op, Message: message}
}

// Interface reports structural misuse of a handle, stack or transaction.
func Interface(op, message string) *Error {
	return &Error{Code: CodeInterface, Op: op, Message: message}
}

// NoResult reports a cardinality violation: zero rows where exactly one was
// required.
func NoResult(op string) *Error {
	return &Error{Code: CodeNoResult, Op: op, Message: "no result found"}
}

// MultipleResults reports a cardinality violation: more than one row where at
// most one was allowed.
func MultipleResults(op string) *Error {
	return &Error{Code: CodeMultipleResults, Op: op, Message: "multiple results found"}
}

// Timeout reports an exceeded acquire or execution deadline, keeping the
// underlying context error as the cause.
func Timeout(op string, err error) *Error {
	return &Error{Code: CodeTimeout, Op: op, Message: "deadline exceeded", Err: err}
}

// IsInterface reports whether err is classified as structural misuse.
func IsInterface(err error) bool { return hasCode(err, CodeInterface) }

// IsNoResult reports whether err is a zero-row cardinality violation.
func IsNoResult(err error) bool { return hasCode(err, CodeNoResult) }

// IsMultipleResults reports whether err is a many-row cardinality violation.
func IsMultipleResults(err error) bool { return hasCode(err, CodeMultipleResults) }

// IsTimeout reports whether err is a deadline error raised by this library.
func IsTimeout(err error) bool { return hasCode(err, CodeTimeout) }

// IsUninitialized reports whether err marks a missing engine or pool.
func IsUninitialized(err error) bool { return hasCode(err, CodeUninitialized) }

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
