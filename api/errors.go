// File: api/errors.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error kinds shared by the session, the worker bootstrap and the process pool.

package api

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	// ErrCodeAllocation: a shared segment could not be created or sized.
	ErrCodeAllocation
	// ErrCodeSerialization: a function, bound argument or call argument is not plain data.
	ErrCodeSerialization
	// ErrCodeBootstrap: a worker failed to attach shared memory or rebuild the function table.
	ErrCodeBootstrap
	// ErrCodeTask: a dispatched function returned an error or panicked.
	ErrCodeTask
	// ErrCodeProtocol: caller misuse, e.g. evaluating a closed session.
	ErrCodeProtocol
)

// String returns the wire name of the code.
func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeAllocation:
		return "allocation"
	case ErrCodeSerialization:
		return "serialization"
	case ErrCodeBootstrap:
		return "bootstrap"
	case ErrCodeTask:
		return "task"
	case ErrCodeProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// ParseErrorCode is the inverse of ErrorCode.String. Unknown names map to ErrCodeTask,
// since anything a worker reports without a recognised code happened while serving a task.
func ParseErrorCode(s string) ErrorCode {
	switch s {
	case "ok":
		return ErrCodeOK
	case "allocation":
		return ErrCodeAllocation
	case "serialization":
		return ErrCodeSerialization
	case "bootstrap":
		return ErrCodeBootstrap
	case "protocol":
		return ErrCodeProtocol
	default:
		return ErrCodeTask
	}
}

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrAllocation    = &Error{Code: ErrCodeAllocation, Message: "shared memory allocation failed"}
	ErrSerialization = &Error{Code: ErrCodeSerialization, Message: "value is not serializable"}
	ErrBootstrap     = &Error{Code: ErrCodeBootstrap, Message: "worker bootstrap failed"}
	ErrTask          = &Error{Code: ErrCodeTask, Message: "task failed"}
	ErrProtocol      = &Error{Code: ErrCodeProtocol, Message: "protocol violation"}
)

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Context[k])
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Errorf creates a structured error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a structured error around cause.
func Wrap(code ErrorCode, cause error, message string) *Error {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// AsError extracts the outermost *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost *Error in err's chain, or ErrCodeOK for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ErrCodeTask
}
