// Package errors provides standardized error handling for the secure media gateway.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the gateway.
type ErrorCode string

const (
	// Request errors
	SMG_INVALID_PATH       ErrorCode = "SMG_INVALID_PATH"       // Path failed validation
	SMG_METHOD_NOT_ALLOWED ErrorCode = "SMG_METHOD_NOT_ALLOWED" // Only GET and HEAD are served

	// Resolution and authorization
	SMG_NOT_FOUND ErrorCode = "SMG_NOT_FOUND" // Path did not resolve, or file missing
	SMG_FORBIDDEN ErrorCode = "SMG_FORBIDDEN" // Caller may not access the asset

	// Server errors
	SMG_UNAVAILABLE ErrorCode = "SMG_UNAVAILABLE" // Metadata store or delivery backend failed
	SMG_INTERNAL    ErrorCode = "SMG_INTERNAL"    // Internal server error
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NotFound is the single not-found shape used for invalid paths, unresolved paths
// and missing files alike, so callers cannot tell them apart.
func NotFound(correlationID string) *Error {
	return New(SMG_NOT_FOUND, "not found", correlationID)
}

// Forbidden is the single denial shape for every authorization failure.
func Forbidden(correlationID string) *Error {
	return New(SMG_FORBIDDEN, "access denied", correlationID)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case SMG_INVALID_PATH, SMG_NOT_FOUND:
		return http.StatusNotFound
	case SMG_FORBIDDEN:
		return http.StatusForbidden
	case SMG_METHOD_NOT_ALLOWED:
		return http.StatusMethodNotAllowed
	case SMG_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
