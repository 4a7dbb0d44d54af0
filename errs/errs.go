// Package errs provides structured error types and helpers for strikewatch components.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies an error category within the engine.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing leg, strategy, or subscription.
	CodeNotFound Code = "not_found"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is closed or temporarily unavailable.
	CodeUnavailable Code = "unavailable"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeFeed indicates a market-data session failure.
	CodeFeed Code = "feed_error"
)

// E captures structured error information produced across the strikewatch stack.
type E struct {
	Scope   string
	Code    Code
	Ticker  string
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the component scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:   strings.TrimSpace(scope),
		Code:    code,
		Ticker:  "",
		Message: "",
		cause:   nil,
	}
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

// WithTicker records the instrument the failure relates to.
func WithTicker(ticker string) Option {
	trimmed := strings.TrimSpace(ticker)
	return func(e *E) {
		e.Ticker = trimmed
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
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Ticker != "" {
		parts = append(parts, "ticker="+strconv.Quote(e.Ticker))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the structured code from err, or empty when err is not an *E.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if structured, ok := err.(*E); ok { //nolint:errorlint // direct inspection before unwrap
		return structured.Code
	}
	type unwrapper interface{ Unwrap() error }
	if wrapped, ok := err.(unwrapper); ok {
		return CodeOf(wrapped.Unwrap())
	}
	return ""
}

// IsCode reports whether err carries the provided structured code at any depth.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
