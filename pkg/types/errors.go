// Package types defines error types
package types

import (
	"errors"
	"fmt"
	"strings"
)

// Predefined errors
var (
	// ErrPoolExhausted indicates no session became available before the acquire deadline.
	// Callers may retry it; the retry layer never does so on their behalf.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed indicates the pool was disposed or cleared by pruning
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrRegistryClosed indicates the pool group registry is closed
	ErrRegistryClosed = errors.New("pool group registry is closed")

	// ErrSessionNotLeased indicates a release for a session the pool did not lease out
	ErrSessionNotLeased = errors.New("session is not leased from this pool")

	// ErrNotEnlisted indicates a stasis release for a session without a transaction
	ErrNotEnlisted = errors.New("session is not enlisted in a transaction")

	// ErrTimeout indicates a timed out server round-trip
	ErrTimeout error = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string { return "operation timeout" }
func (timeoutError) Timeout() bool { return true }

// ConfigurationError reports an invalid retry or pool parameter.
// It is returned at construction time, never from Execute.
type ConfigurationError struct {
	// Field is the offending parameter
	Field string

	// Reason describes the violated constraint
	Reason string
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(field, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}

// IsConfigurationError reports whether err is, or wraps, a ConfigurationError
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// ServerErrorDetail is one entry of a server error report
type ServerErrorDetail struct {
	// Number is the server error code
	Number int

	// State is the server error state
	State int

	// Class is the severity reported by the server
	Class int

	// Message is the server message text
	Message string
}

// ServerError is a structured failure reported by the server. One round-trip
// may report several errors; all of their numbers take part in transient
// classification.
type ServerError struct {
	Errors []ServerErrorDetail
}

// NewServerError creates a server error with one detail per code
func NewServerError(numbers ...int) *ServerError {
	e := &ServerError{Errors: make([]ServerErrorDetail, 0, len(numbers))}
	for _, n := range numbers {
		e.Errors = append(e.Errors, ServerErrorDetail{Number: n})
	}
	return e
}

// Error implements the error interface
func (e *ServerError) Error() string {
	if len(e.Errors) == 0 {
		return "server error"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, d := range e.Errors {
		if d.Message != "" {
			parts = append(parts, fmt.Sprintf("error %d: %s", d.Number, d.Message))
		} else {
			parts = append(parts, fmt.Sprintf("error %d", d.Number))
		}
	}
	return "server error: " + strings.Join(parts, "; ")
}

// ErrorCodes returns every reported error number
func (e *ServerError) ErrorCodes() []int {
	codes := make([]int, len(e.Errors))
	for i, d := range e.Errors {
		codes[i] = d.Number
	}
	return codes
}
