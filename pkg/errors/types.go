package errors

import (
	"fmt"
	"time"
)

// ErrorType classifies an error by how far its damage reaches.
type ErrorType int

const (
	// ErrorTypeConnection indicates the channel could not be set up
	ErrorTypeConnection ErrorType = iota
	// ErrorTypeAuth indicates a malformed or rejected credential
	ErrorTypeAuth
	// ErrorTypeTransport indicates a stream broke mid-session
	ErrorTypeTransport
	// ErrorTypeProtocolMisuse indicates a handler broke the listener contract
	ErrorTypeProtocolMisuse
	// ErrorTypeApplication indicates a handler or its reply failed for one event
	ErrorTypeApplication
	// ErrorTypeValidation indicates invalid caller input
	ErrorTypeValidation
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeConnection:
		return "connection"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeTransport:
		return "transport"
	case ErrorTypeProtocolMisuse:
		return "protocol_misuse"
	case ErrorTypeApplication:
		return "application"
	case ErrorTypeValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Fatal reports whether errors of this type end the session or call that
// produced them.
func (t ErrorType) Fatal() bool {
	return t != ErrorTypeApplication
}

// Error represents a structured error with metadata
type Error struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		if e.Details != "" {
			return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Message, e.Details, e.Cause)
		}
		return fmt.Sprintf("[%s] %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same type. A target with an empty Code
// matches every error of its type, so typed sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// New creates a new error
func New(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
	}
}

// Kind returns a sentinel matching every error of the given type.
func Kind(errorType ErrorType) *Error {
	return &Error{Type: errorType, Message: errorType.String() + " error"}
}

// WithDetails adds details to an error
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}
