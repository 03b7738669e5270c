// Package errors provides the coded error type shared by every stage of the
// transcription pipeline. Each error carries a machine-readable code, a
// human-readable message and the HTTP status the server surface uses.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// AppError is the unified application error type.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// HTTPStatus is the recommended HTTP status code for this error.
	HTTPStatus int `json:"-"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Retryable:  IsRetryableCode(code),
	}
}

// InvalidAudioFormat creates an error for audio that is not 16 kHz mono.
func InvalidAudioFormat(sampleRate, channels int) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidAudioFormat,
		Message:    fmt.Sprintf("audio must be 16000 Hz mono (got %d Hz, %d channels)", sampleRate, channels),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"sample_rate": sampleRate, "channels": channels},
	}
}

// InvalidInput creates an error for invalid caller input.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("Invalid input: %s", reason),
		HTTPStatus: http.StatusBadRequest, Details: details,
	}
}

// NotFound creates an error for a resource that was not found.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("The requested %s was not found.", resource),
		HTTPStatus: http.StatusNotFound, Details: details,
	}
}

// ConfigLoad creates an error for a config or tokenizer that could not be loaded.
func ConfigLoad(source string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeConfigLoad, Message: fmt.Sprintf("failed to load %s", source),
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"source": source}, Cause: cause,
	}
}

// WeightLoad creates an error for weights that are missing or mis-shaped.
func WeightLoad(reason string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeWeightLoad, Message: reason,
		HTTPStatus: http.StatusInternalServerError, Cause: cause,
	}
}

// Decoding creates an error for a malformed decoder distribution.
func Decoding(reason string) *AppError {
	return &AppError{
		Code: ErrCodeDecoding, Message: reason,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// UnknownTokenID creates an error for a token id outside the vocabulary.
func UnknownTokenID(id, size int) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownTokenID,
		Message:    fmt.Sprintf("token id %d outside vocabulary of %d", id, size),
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"id": id, "vocab_size": size},
	}
}

// Cancelled creates an error for a transcription aborted by its context.
func Cancelled(stage string, cause error) *AppError {
	return &AppError{
		Code: ErrCodeCancelled, Message: fmt.Sprintf("transcription cancelled during %s", stage),
		HTTPStatus: http.StatusRequestTimeout,
		Details:    map[string]any{"stage": stage}, Cause: cause,
	}
}

// Internal creates an error for an unexpected failure.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "An unexpected error occurred.",
		HTTPStatus: http.StatusInternalServerError, Cause: cause,
	}
}

// AsAppError converts an error to an AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err is an AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
