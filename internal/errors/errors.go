// Package errors provides the coded error taxonomy for the editorial service.
// Every failure that reaches a caller carries a stable code, a message and,
// where useful, the offending field or entity in Details.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the editorial service.
type ErrorCode string

const (
	// Input errors
	EDT_VALIDATION  ErrorCode = "EDT_VALIDATION"  // Malformed or missing input
	EDT_BAD_REQUEST ErrorCode = "EDT_BAD_REQUEST" // Unparseable request
	EDT_MEDIA_TYPE  ErrorCode = "EDT_MEDIA_TYPE"  // File type not allowed
	EDT_MEDIA_SIZE  ErrorCode = "EDT_MEDIA_SIZE"  // File size limit exceeded

	// Authentication/Authorization errors
	EDT_AUTHN         ErrorCode = "EDT_AUTHN"         // No authenticated actor
	EDT_JWT_INVALID   ErrorCode = "EDT_JWT_INVALID"   // Invalid JWT
	EDT_JWT_EXPIRED   ErrorCode = "EDT_JWT_EXPIRED"   // Expired JWT
	EDT_JWT_MALFORMED ErrorCode = "EDT_JWT_MALFORMED" // Malformed JWT
	EDT_FORBIDDEN     ErrorCode = "EDT_FORBIDDEN"     // Actor lacks rights for this entity/action

	// Workflow errors
	EDT_NOT_FOUND            ErrorCode = "EDT_NOT_FOUND"            // Entity absent
	EDT_INVALID_TRANSITION   ErrorCode = "EDT_INVALID_TRANSITION"   // Status change outside the legal graph
	EDT_STALE_STATE          ErrorCode = "EDT_STALE_STATE"          // Someone else mutated first
	EDT_DUPLICATE_ASSIGNMENT ErrorCode = "EDT_DUPLICATE_ASSIGNMENT" // Reviewer already holds an open assignment
	EDT_ALREADY_SUBMITTED    ErrorCode = "EDT_ALREADY_SUBMITTED"    // Review already finalized
	EDT_ALREADY_VALIDATED    ErrorCode = "EDT_ALREADY_VALIDATED"    // Review report already validated
	EDT_CONCURRENT_APPEND    ErrorCode = "EDT_CONCURRENT_APPEND"    // Version append lost every retry

	// Server errors
	EDT_INTERNAL    ErrorCode = "EDT_INTERNAL"    // Internal server error
	EDT_UNAVAILABLE ErrorCode = "EDT_UNAVAILABLE" // Service unavailable
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

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Field builds the details map naming a single offending input field.
func Field(name string) map[string]string {
	return map[string]string{"field": name}
}

// Entity builds the details map naming the entity an error refers to.
func Entity(kind, id string) map[string]string {
	return map[string]string{"entity": kind, "id": id}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// As extracts a coded error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// CodeOf returns the code carried by err, or EDT_INTERNAL for uncoded errors.
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return EDT_INTERNAL
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case EDT_VALIDATION, EDT_BAD_REQUEST, EDT_MEDIA_TYPE, EDT_MEDIA_SIZE:
		return http.StatusBadRequest
	case EDT_FORBIDDEN:
		return http.StatusForbidden
	case EDT_AUTHN, EDT_JWT_INVALID, EDT_JWT_EXPIRED, EDT_JWT_MALFORMED:
		return http.StatusUnauthorized
	case EDT_NOT_FOUND:
		return http.StatusNotFound
	case EDT_INVALID_TRANSITION, EDT_STALE_STATE, EDT_DUPLICATE_ASSIGNMENT, EDT_ALREADY_SUBMITTED, EDT_ALREADY_VALIDATED, EDT_CONCURRENT_APPEND:
		return http.StatusConflict
	case EDT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
