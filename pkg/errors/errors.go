package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"peercall/internal/core/domain"
)

type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"

	// signaling outcomes
	ErrCodeUnavailable       ErrorCode = "UNAVAILABLE"
	ErrCodeBusy              ErrorCode = "BUSY"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// AppError is an error with a stable code, used for HTTP responses and wire error notices.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds a detail to the error and returns it for chaining.
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Surfaced reports whether the error should be reported back to the sender.
// Invalid transitions and delivery drops are only logged.
func (e *AppError) Surfaced() bool {
	return e.Code != ErrCodeInvalidTransition && e.Code != ErrCodeServiceUnavailable
}

func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// GetAppError extracts the first AppError from the chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// FromDomain maps an error returned by the core to an AppError. Errors that are
// already AppErrors pass through unchanged.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case stderrors.Is(err, domain.ErrUnavailable):
		return WrapError(err, ErrCodeUnavailable, "receiver unavailable", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrConflict):
		return WrapError(err, ErrCodeBusy, "receiver busy", http.StatusConflict)
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return WrapError(err, ErrCodeNotFound, "call session not found", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrPresenceNotFound):
		return WrapError(err, ErrCodeNotFound, "identity not online", http.StatusNotFound)
	case stderrors.Is(err, domain.ErrNotRegistered):
		return WrapError(err, ErrCodeUnauthorized, "register before signaling", http.StatusUnauthorized)
	case stderrors.Is(err, domain.ErrInvalidTransition):
		return WrapError(err, ErrCodeInvalidTransition, "event ignored", http.StatusConflict)
	case stderrors.Is(err, domain.ErrDeliveryDrop):
		return WrapError(err, ErrCodeServiceUnavailable, "delivery dropped", http.StatusServiceUnavailable)
	default:
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}
