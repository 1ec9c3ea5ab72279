package shared

import (
	"errors"
	"net/http"
)

const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeUpstreamLookup   = "UPSTREAM_LOOKUP_FAILED"
	ErrCodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeForbidden        = "FORBIDDEN"
)

// AppError carries an HTTP status and a taxonomy code alongside the wrapped
// cause so handlers can render a structured response without inspecting the
// error chain themselves.
type AppError struct {
	StatusCode int         `json:"-"`
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	Data       interface{} `json:"data,omitempty"`
	Err        error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(statusCode int, code, message string, err error) *AppError {
	return &AppError{StatusCode: statusCode, Code: code, Message: message, Err: err}
}

func NewNotFoundError(err error, message string) *AppError {
	return NewAppError(http.StatusNotFound, ErrCodeNotFound, message, err)
}

func NewStoreUnavailableError(err error, message string) *AppError {
	return NewAppError(http.StatusServiceUnavailable, ErrCodeStoreUnavailable, message, err)
}

func NewUpstreamLookupError(err error, message string) *AppError {
	return NewAppError(http.StatusBadGateway, ErrCodeUpstreamLookup, message, err)
}

func NewRateLimitError(message string, data interface{}) *AppError {
	return &AppError{StatusCode: http.StatusTooManyRequests, Code: ErrCodeRateLimited, Message: message, Data: data}
}

func NewBadRequestError(err error, message string) *AppError {
	return NewAppError(http.StatusBadRequest, ErrCodeInvalidInput, message, err)
}

func NewInternalError(err error, message string) *AppError {
	return NewAppError(http.StatusInternalServerError, ErrCodeInternal, message, err)
}

func NewUnauthorizedError(err error, message string) *AppError {
	return NewAppError(http.StatusUnauthorized, ErrCodeUnauthorized, message, err)
}

func NewForbiddenError(err error, message string) *AppError {
	return NewAppError(http.StatusForbidden, ErrCodeForbidden, message, err)
}

// GetAppError walks the error chain for an AppError.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsNotFound reports whether err resolves to the NOT_FOUND taxonomy code.
// A missing identity record is a valid state, not a failure.
func IsNotFound(err error) bool {
	if appErr, ok := GetAppError(err); ok {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}
