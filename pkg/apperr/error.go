// Package apperr provides a structured application error type shared across
// the classification core.
package apperr

import (
	"errors"
	"fmt"
)

// Error codes. Framing-level codes map directly onto spec wire error codes;
// pipeline-level codes map onto ClassificationDecision.RationaleTag.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeRateLimited       = "rate_limited"
	CodeCircuitOpen       = "circuit_open"
	CodeProviderFailed    = "provider_failed"
	CodeFolderRejected    = "folder_rejected"
	CodeThresholdRejected = "threshold_rejected"

	CodeFrameTooLarge   = "frame_too_large"
	CodeMalformedJSON   = "malformed_json"
	CodeUnknownType     = "unknown_type"
	CodeEOF             = "eof"
	CodeTruncatedLength = "truncated_length"
	CodeTruncatedFrame  = "truncated_payload"
	CodeNotUTF8         = "not_utf8"

	CodeConfigRejected    = "config_rejected"
	CodeSecretUnavailable = "secret_unavailable"
	CodeBusy              = "busy"
	CodeInternal          = "internal_error"
)

// AppError is a structured, wrapped error carrying a machine-readable code.
type AppError struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New constructs an AppError with the given code and message.
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap constructs an AppError that carries an underlying cause.
func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// InvalidRequest reports a malformed or incomplete classify/frame request.
func InvalidRequest(reason string) *AppError {
	return New(CodeInvalidRequest, reason)
}

// ConfigRejected reports a configuration that failed validation.
func ConfigRejected(reason string) *AppError {
	return New(CodeConfigRejected, reason)
}

// SecretUnavailable reports a secret-store lookup failure needed for signing.
func SecretUnavailable(ref string, err error) *AppError {
	return Wrap(err, CodeSecretUnavailable, fmt.Sprintf("secret %q unavailable", ref))
}

// Internal wraps an unexpected internal error.
func Internal(err error) *AppError {
	return Wrap(err, CodeInternal, "internal error")
}

// IsAppError reports whether err is (or wraps) an *AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError unwraps err into an *AppError, wrapping it as internal if it
// isn't already one.
func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// Code returns the AppError code for err, or CodeInternal if err is not an
// *AppError.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
