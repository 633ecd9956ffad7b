package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"peercall/internal/core/domain"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	expected := "INVALID_INPUT: test error"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := stderrors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	if !stderrors.Is(err, originalErr) {
		t.Errorf("expected wrapped error to match its cause")
	}
	if !strings.Contains(err.Error(), "original error") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestAppError_WithContext(t *testing.T) {
	err := NewInvalidInputError("bad field").WithContext("field", "identity").WithContext("max", 64)

	if err.Context["field"] != "identity" {
		t.Errorf("Context[field] = %v, want 'identity'", err.Context["field"])
	}
	if err.Context["max"] != 64 {
		t.Errorf("Context[max] = %v, want 64", err.Context["max"])
	}
}

func TestGetAppError_Unwraps(t *testing.T) {
	appErr := NewNotFoundError("session")
	wrapped := fmt.Errorf("handler: %w", appErr)

	if got := GetAppError(wrapped); got != appErr {
		t.Errorf("GetAppError() = %v, want %v", got, appErr)
	}
	if got := GetAppError(stderrors.New("plain")); got != nil {
		t.Errorf("GetAppError() = %v, want nil", got)
	}
}

func TestFromDomain(t *testing.T) {
	cases := []struct {
		err      error
		code     ErrorCode
		status   int
		surfaced bool
	}{
		{domain.ErrUnavailable, ErrCodeUnavailable, http.StatusNotFound, true},
		{fmt.Errorf("call: %w", domain.ErrConflict), ErrCodeBusy, http.StatusConflict, true},
		{domain.ErrSessionNotFound, ErrCodeNotFound, http.StatusNotFound, true},
		{domain.ErrNotRegistered, ErrCodeUnauthorized, http.StatusUnauthorized, true},
		{fmt.Errorf("%w: late", domain.ErrInvalidTransition), ErrCodeInvalidTransition, http.StatusConflict, false},
		{domain.ErrDeliveryDrop, ErrCodeServiceUnavailable, http.StatusServiceUnavailable, false},
		{stderrors.New("boom"), ErrCodeInternal, http.StatusInternalServerError, true},
	}

	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			got := FromDomain(tc.err)
			if got.Code != tc.code {
				t.Errorf("Code = %v, want %v", got.Code, tc.code)
			}
			if got.HTTPStatus != tc.status {
				t.Errorf("HTTPStatus = %v, want %v", got.HTTPStatus, tc.status)
			}
			if got.Surfaced() != tc.surfaced {
				t.Errorf("Surfaced() = %v, want %v", got.Surfaced(), tc.surfaced)
			}
		})
	}

	if FromDomain(nil) != nil {
		t.Error("FromDomain(nil) should be nil")
	}

	unauthorized := NewUnauthorizedError("bad token")
	if FromDomain(unauthorized) != unauthorized {
		t.Error("AppErrors should pass through unchanged")
	}
}
