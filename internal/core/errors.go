package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the kind of failure a synthesis request ran into
type ErrorType string

const (
	// ErrorTypeValidation indicates unusable input such as empty text (400)
	ErrorTypeValidation ErrorType = "validation_error"
	// ErrorTypeNotReady indicates the model failed to load or is not loaded yet (503)
	ErrorTypeNotReady ErrorType = "not_ready"
	// ErrorTypeMissingAsset indicates the reference voice file is absent (404)
	ErrorTypeMissingAsset ErrorType = "missing_asset"
	// ErrorTypeInference indicates the synthesis engine failed (500)
	ErrorTypeInference ErrorType = "inference_error"
	// ErrorTypeIO indicates a cache read or write failure (500)
	ErrorTypeIO ErrorType = "io_error"
)

// SynthesisError is the base error type for every failure surfaced to callers
type SynthesisError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *SynthesisError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *SynthesisError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *SynthesisError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotReady:
		return http.StatusServiceUnavailable
	case ErrorTypeMissingAsset:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *SynthesisError) ToJSON() map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    e.Type,
			"message": e.Message,
		},
	}
}

// NewValidationError creates a new validation error (400)
func NewValidationError(message string) *SynthesisError {
	return &SynthesisError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewNotReadyError creates a new not-ready error (503)
func NewNotReadyError(message string, err error) *SynthesisError {
	return &SynthesisError{
		Type:       ErrorTypeNotReady,
		Message:    message,
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// NewMissingAssetError creates a new missing reference asset error (404)
func NewMissingAssetError(message string) *SynthesisError {
	return &SynthesisError{
		Type:       ErrorTypeMissingAsset,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewInferenceError creates a new synthesis engine error (500)
func NewInferenceError(message string, err error) *SynthesisError {
	return &SynthesisError{
		Type:       ErrorTypeInference,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewIOError creates a new cache I/O error (500)
func NewIOError(message string, err error) *SynthesisError {
	return &SynthesisError{
		Type:       ErrorTypeIO,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsType reports whether err is a SynthesisError of the given type.
func IsType(err error, t ErrorType) bool {
	var se *SynthesisError
	if !errors.As(err, &se) {
		return false
	}
	return se.Type == t
}
