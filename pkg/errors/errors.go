package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrInternal
	ErrRetryable
	ErrPermanent
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

// Retryable marks a transient failure: the caller should back off and try
// again (network timeouts, provider rate limits, lock contention).
func Retryable(message string, err error) *AppError {
	return &AppError{
		Code:    ErrRetryable,
		Message: message,
		Err:     err,
	}
}

// Permanent marks a failure retrying cannot fix (malformed payload,
// missing referenced entity). Dispatchers dead-letter these immediately.
func Permanent(message string, err error) *AppError {
	return &AppError{
		Code:    ErrPermanent,
		Message: message,
		Err:     err,
	}
}

// IsPermanent reports whether err carries the permanent error code
// anywhere in its chain.
func IsPermanent(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrPermanent
	}
	return false
}

// IsRetryable reports whether err is explicitly transient. Errors with no
// AppError classification default to retryable: an unknown failure is
// assumed recoverable until it exhausts the retry budget.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrRetryable
	}
	return true
}
