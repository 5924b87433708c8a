// Package domainerrors defines the coded error type shared by services and transports.
//
// Services return *Error values (or wrap lower-level errors with a code) so that
// handlers can map failures to HTTP responses without inspecting messages.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, client-visible error identifier.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeValidation         Code = "validation_error"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvariantViolation Code = "invariant_violation"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal_error"

	// Verification taxonomy.
	CodeUserError          Code = "user_error"
	CodeInvalidPayload     Code = "invalid_payload"
	CodeAttemptsExhausted  Code = "attempts_exhausted"
	CodeAttemptInProgress  Code = "attempt_in_progress"
	CodeNeedsEnrollment    Code = "needs_enrollment"
	CodeServiceUnavailable Code = "service_unavailable"
	CodeUploadFailed       Code = "upload_failed"
	CodeInvalidState       Code = "invalid_state"
	CodeAlreadyDecided     Code = "already_decided"
)

var statusByCode = map[Code]int{
	CodeBadRequest:         http.StatusBadRequest,
	CodeValidation:         http.StatusBadRequest,
	CodeInvalidInput:       http.StatusBadRequest,
	CodeInvariantViolation: http.StatusUnprocessableEntity,
	CodeNotFound:           http.StatusNotFound,
	CodeConflict:           http.StatusConflict,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeTimeout:            http.StatusGatewayTimeout,
	CodeInternal:           http.StatusInternalServerError,
	CodeUserError:          http.StatusUnprocessableEntity,
	CodeInvalidPayload:     http.StatusUnprocessableEntity,
	CodeAttemptsExhausted:  http.StatusTooManyRequests,
	CodeAttemptInProgress:  http.StatusConflict,
	CodeNeedsEnrollment:    http.StatusPreconditionFailed,
	CodeServiceUnavailable: http.StatusBadGateway,
	CodeUploadFailed:       http.StatusBadGateway,
	CodeInvalidState:       http.StatusConflict,
	CodeAlreadyDecided:     http.StatusConflict,
}

// Error is a domain error carrying a Code and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a domain error with the given code.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any domain error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// Is is an alias for HasCode kept for call-site readability.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// GetCode returns the outermost domain code, or CodeInternal for foreign errors.
func GetCode(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Message returns the outermost domain message, or a generic one.
func Message(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return "internal error"
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	if status, ok := statusByCode[GetCode(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// IsUserError reports whether err is a user-correctable failure that the
// orchestrator surfaces verbatim without auditing.
func IsUserError(err error) bool {
	switch GetCode(err) {
	case CodeUserError, CodeInvalidPayload, CodeValidation, CodeInvalidInput, CodeBadRequest:
		return true
	default:
		return false
	}
}
