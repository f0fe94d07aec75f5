package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"       // Malformed or missing request fields
	ErrorTypeSafetyViolation ErrorType = "safety_violation" // Unresolved critical pre-flight check
	ErrorTypeRemediation     ErrorType = "remediation"      // Unsupported combination or actuator failure
	ErrorTypeRollback        ErrorType = "rollback"         // Rollback requested on an ineligible job
	ErrorTypeApproval        ErrorType = "approval"         // Approver notification failure
	ErrorTypeNotFound        ErrorType = "not_found"        // Unknown job
	ErrorTypeConflict        ErrorType = "conflict"         // Illegal transition or lost update race
	ErrorTypeSystem          ErrorType = "system"           // Store or infrastructure errors
)

// Error is the typed error used across the remediation workflow
type Error struct {
	Type      ErrorType              `json:"type"`
	Code      string                 `json:"code,omitempty"`
	Message   string                 `json:"message"`
	UserHelp  string                 `json:"user_help,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Wrapped   error                  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	parts = append(parts, e.Message)

	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("(resource: %s)", e.Resource))
	}

	if e.Wrapped != nil {
		parts = append(parts, fmt.Sprintf("caused by: %v", e.Wrapped))
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// Is matches on type, and on code when the target carries one.
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

// ErrorBuilder provides fluent API for building errors
type ErrorBuilder struct {
	err *Error
}

// NewError creates a new error builder
func NewError(errType ErrorType, message string) *ErrorBuilder {
	return &ErrorBuilder{
		err: &Error{
			Type:      errType,
			Message:   message,
			Timestamp: time.Now().UTC(),
		},
	}
}

// WithCode sets error code
func (b *ErrorBuilder) WithCode(code string) *ErrorBuilder {
	b.err.Code = code
	return b
}

// WithResource sets the affected resource
func (b *ErrorBuilder) WithResource(resource string) *ErrorBuilder {
	b.err.Resource = resource
	return b
}

// WithOperation sets the operation that failed
func (b *ErrorBuilder) WithOperation(operation string) *ErrorBuilder {
	b.err.Operation = operation
	return b
}

// WithUserHelp adds user help text
func (b *ErrorBuilder) WithUserHelp(help string) *ErrorBuilder {
	b.err.UserHelp = help
	return b
}

// WithDetails adds context details
func (b *ErrorBuilder) WithDetails(key string, value interface{}) *ErrorBuilder {
	if b.err.Details == nil {
		b.err.Details = make(map[string]interface{})
	}
	b.err.Details[key] = value
	return b
}

// WithWrapped wraps another error
func (b *ErrorBuilder) WithWrapped(err error) *ErrorBuilder {
	b.err.Wrapped = err
	return b
}

// Build returns the built error
func (b *ErrorBuilder) Build() *Error {
	return b.err
}

// Common error constructors

// NewValidationError creates a validation error
func NewValidationError(resource string, message string) *Error {
	return NewError(ErrorTypeValidation, message).
		WithResource(resource).
		WithUserHelp("Please check your input and try again").
		Build()
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *Error {
	return NewError(ErrorTypeNotFound, fmt.Sprintf("Resource not found: %s", resource)).
		WithResource(resource).
		Build()
}

// NewConflictError creates a conflict error
func NewConflictError(resource string, message string) *Error {
	return NewError(ErrorTypeConflict, message).
		WithResource(resource).
		Build()
}

// IsType reports whether any error in err's chain is an *Error of the given type.
func IsType(err error, errType ErrorType) bool {
	return TypeOf(err) == errType
}

// TypeOf returns the type of the first *Error in err's chain, or
// ErrorTypeSystem for untyped errors.
func TypeOf(err error) ErrorType {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeSystem
}

// As is re-exported so callers importing this package as errors keep access
// to the standard helpers.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is is re-exported from the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
