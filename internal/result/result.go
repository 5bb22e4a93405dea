// Package result defines the success/failure envelope returned by every
// public operation and the domain error carried inside it.
package result

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error names shared across packages.
const (
	NameUnexpected      = "UnexpectedError"
	NameStuckProcessing = "StuckProcessing"
)

// Error is an expected, typed failure. Operations return it through the
// error interface; the facade rolls back the transaction and hands it to the
// caller unchanged.
type Error struct {
	Name    string `json:"name"`
	Details any    `json:"details,omitempty"`
}

// New returns a domain error with the given name and details.
func New(name string, details any) *Error {
	return &Error{Name: name, Details: details}
}

func (e *Error) Error() string {
	if e.Details == nil {
		return e.Name
	}
	b, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Sprintf("%s: %v", e.Name, e.Details)
	}
	return e.Name + ": " + string(b)
}

// Unexpected wraps an unexpected failure into an UnexpectedError record.
func Unexpected(cause error) *Error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Name: NameUnexpected, Details: map[string]string{"message": msg}}
}

// As reports whether err is (or wraps) a domain error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err is a domain error with the given name.
func Is(err error, name string) bool {
	e, ok := As(err)
	return ok && e.Name == name
}

// Result is the envelope returned at the public boundary.
type Result[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// OK wraps a successful value.
func OK[T any](v T) Result[T] {
	return Result[T]{Success: true, Data: v}
}

// Fail wraps a domain error.
func Fail[T any](e *Error) Result[T] {
	return Result[T]{Error: e}
}

// Err returns the failure as an error, or nil on success.
func (r Result[T]) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == nil {
		return New(NameUnexpected, nil)
	}
	return r.Error
}
