package common

import (
	"errors"
	"net/http"
)

// AppError carries the API error code and status for a failure.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithDetails returns a copy of e with details attached.
func (e *AppError) WithDetails(details any) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// Unauthorized builds a 401.
func Unauthorized(message string, err error) *AppError {
	return NewAppError("UNAUTHORIZED", message, http.StatusUnauthorized, err)
}

// Unavailable builds a 503 for a dependency that cannot be reached.
func Unavailable(code, message string, err error) *AppError {
	return NewAppError(code, message, http.StatusServiceUnavailable, err)
}

// WriteError renders err. AppErrors keep their code and status; anything
// else becomes a 500 with fallback as the message so internals never leak.
func WriteError(w http.ResponseWriter, err error, fallback string) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusBadRequest
		}
		code := appErr.Code
		if code == "" {
			code = "BAD_REQUEST"
		}
		JSONError(w, status, code, appErr.Message, appErr.Details)
		return
	}
	if fallback == "" {
		fallback = http.StatusText(http.StatusInternalServerError)
	}
	JSONError(w, http.StatusInternalServerError, "INTERNAL", fallback, nil)
}
