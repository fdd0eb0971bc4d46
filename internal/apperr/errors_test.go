package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidationError_UnwrapsToSentinel(t *testing.T) {
	err := fmt.Errorf("assign: %w", NewValidationError("priority", "priority required"))
	if !errors.Is(err, ErrValidation) {
		t.Fatal("expected errors.Is(err, ErrValidation)")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatal("expected errors.As to find ValidationError")
	}
	if ve.Message != "priority required" {
		t.Errorf("Message = %q, want %q", ve.Message, "priority required")
	}
}

func TestGenerationError_UnwrapsBoth(t *testing.T) {
	err := Generation(context.DeadlineExceeded)
	if !errors.Is(err, ErrGenerationFailed) {
		t.Error("expected ErrGenerationFailed")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("expected cause to be preserved")
	}
	if Generation(err) != err {
		t.Error("re-wrapping should be a no-op")
	}
	if Generation(nil) != nil {
		t.Error("Generation(nil) should be nil")
	}
}

func TestGuardrailBlockedError(t *testing.T) {
	err := &GuardrailBlockedError{Phrases: []string{"guaranteed refund"}}
	if !errors.Is(err, ErrGuardrailBlocked) {
		t.Error("expected ErrGuardrailBlocked")
	}
	if got := err.Error(); got != `guardrail blocked: draft contains "guaranteed refund"` {
		t.Errorf("Error() = %q", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NewValidationError("f", "m"), http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{Forbidden("agents cannot publish"), http.StatusForbidden},
		{NotFound("ticket", "t1"), http.StatusNotFound},
		{&GuardrailBlockedError{}, http.StatusUnprocessableEntity},
		{Generation(errors.New("boom")), http.StatusBadGateway},
		{ErrNotConfigured, http.StatusServiceUnavailable},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
