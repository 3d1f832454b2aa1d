// Package errs provides structured error types and helpers for the gateway.
package errs

import (
	"errors"
	"strings"
)

// Code identifies an error category from the gateway taxonomy.
type Code string

const (
	// CodeInvalid indicates malformed input provided by a caller or client.
	CodeInvalid Code = "invalid_request"
	// CodeNetwork indicates an upstream transport failure.
	CodeNetwork Code = "network"
	// CodeUnavailable indicates the target component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeSlowConsumer indicates a session fell behind past the outbox hard cap.
	CodeSlowConsumer Code = "slow_consumer"
	// CodeOverload indicates inbound work was shed under pressure.
	CodeOverload Code = "overload"
	// CodeFatal indicates an unrecoverable startup failure.
	CodeFatal Code = "fatal"
)

// E captures structured error information produced across the gateway.
type E struct {
	Scope   string
	Code    Code
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given scope and code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{Scope: strings.TrimSpace(scope), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 4)
	scope := e.Scope
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)
	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)
	if e.Message != "" {
		parts = append(parts, "msg="+e.Message)
	}
	if e.cause != nil {
		parts = append(parts, "cause="+e.cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *E) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// CodeOf extracts the error code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
