package sessions

import (
	"errors"
	"fmt"
)

// Error codes for the failure kinds a session can surface.
const (
	ErrorCodeConfig        = "config"
	ErrorCodeBackend       = "backend"
	ErrorCodeRateLimited   = "rate_limited"
	ErrorCodeTransport     = "transport"
	ErrorCodeSerialization = "serialization"
)

// Error is a typed session error carrying a machine-readable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Error constructors for common failure kinds

func NewConfigError(message string, err error) *Error {
	return &Error{Code: ErrorCodeConfig, Message: message, Err: err}
}

func NewBackendError(message string, err error) *Error {
	return &Error{Code: ErrorCodeBackend, Message: message, Err: err}
}

func NewRateLimitedError(message string) *Error {
	return &Error{Code: ErrorCodeRateLimited, Message: message}
}

func NewTransportError(message string, err error) *Error {
	return &Error{Code: ErrorCodeTransport, Message: message, Err: err}
}

// IsRateLimited reports whether err is an admission refusal surfaced under
// raise_errors.
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrorCodeRateLimited
}

// IsTransport reports whether err originated in the HTTP transport.
func IsTransport(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrorCodeTransport
}

// CallbackError is the sentinel recorded in a response's collected callback
// results when a callback panicked. Dispatch always continues to the
// remaining callbacks.
type CallbackError struct {
	Recovered any
}

func (e CallbackError) Error() string {
	return fmt.Sprintf("callback panicked: %v", e.Recovered)
}
