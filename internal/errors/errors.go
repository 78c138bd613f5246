package errors

import (
	"errors"
	"fmt"
)

// Error codes covering the engine's error taxonomy. Validation and
// not-available errors propagate to the caller; estimation and optimization
// failures are absorbed into diagnostics and surfaced as warnings.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeMethodNotAvailable = "METHOD_NOT_AVAILABLE"
	CodeEstimation         = "ESTIMATION_ERROR"
	CodeOptimization       = "OPTIMIZATION_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message
func Newf(code, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with additional context, preserving its code
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: message,
			Cause:   err,
		}
	}
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Cause:   err,
	}
}

// Validation creates a caller-fixable input error
func Validation(format string, args ...interface{}) *AppError {
	return Newf(CodeValidation, format, args...)
}

// NotAvailable creates a permanent feature-unavailable error. Callers must
// not retry it: the condition does not clear on its own.
func NotAvailable(format string, args ...interface{}) *AppError {
	return Newf(CodeMethodNotAvailable, format, args...)
}

// Estimation creates a regression-stage failure
func Estimation(format string, args ...interface{}) *AppError {
	return Newf(CodeEstimation, format, args...)
}

// Optimization creates a constrained-solver failure
func Optimization(format string, args ...interface{}) *AppError {
	return Newf(CodeOptimization, format, args...)
}

// CodeOf extracts the error code, or CodeInternal for foreign errors
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// IsValidation reports whether err is an input/validation error
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsNotAvailable reports whether err is a permanent feature-unavailable error
func IsNotAvailable(err error) bool {
	return CodeOf(err) == CodeMethodNotAvailable
}
