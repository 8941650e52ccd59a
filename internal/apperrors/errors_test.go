package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		sentinel   error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "validation",
			err:        Validation("title", "title is required"),
			sentinel:   ErrValidation,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "unauthorized",
			err:        Unauthorized("session cookie required"),
			sentinel:   ErrUnauthorized,
			wantStatus: http.StatusUnauthorized,
			wantCode:   "UNAUTHORIZED",
		},
		{
			name:       "forbidden",
			err:        Forbidden("job", "job belongs to another user"),
			sentinel:   ErrForbidden,
			wantStatus: http.StatusForbidden,
			wantCode:   "FORBIDDEN",
		},
		{
			name:       "not found",
			err:        NotFound("job", "abc-123"),
			sentinel:   ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   "NOT_FOUND",
		},
		{
			name:       "conflict",
			err:        Conflict("job", "abc-123", "job already exists"),
			sentinel:   ErrConflict,
			wantStatus: http.StatusConflict,
			wantCode:   "CONFLICT",
		},
		{
			name:       "unavailable",
			err:        Unavailable("docker.ping", errors.New("connection refused")),
			sentinel:   ErrUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "BACKEND_UNAVAILABLE",
		},
		{
			name:       "internal",
			err:        Internal("store.get", errors.New("disk error")),
			sentinel:   ErrInternal,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
		{
			name:       "plain error defaults to internal",
			err:        errors.New("something odd"),
			sentinel:   nil,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if tt.sentinel != nil && !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false, want true", tt.err)
			}
			if got := HTTPStatus(tt.err); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.wantStatus)
			}
			if got := Code(tt.err); got != tt.wantCode {
				t.Errorf("Code() = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	t.Parallel()

	err := NotFound("job", "abc-123")
	if err.Error() != "job abc-123 not found" {
		t.Errorf("Error() = %q, want %q", err.Error(), "job abc-123 not found")
	}
}

func TestErrorUnwrapSurvivesWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("list jobs: %w", NotFound("job", "abc"))
	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("wrapped error lost its sentinel classification")
	}
	if HTTPStatus(wrapped) != http.StatusNotFound {
		t.Errorf("HTTPStatus(wrapped) = %d, want %d", HTTPStatus(wrapped), http.StatusNotFound)
	}
}
