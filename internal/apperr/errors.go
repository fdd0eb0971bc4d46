// Package apperr defines the error taxonomy shared by the drafting, ticket,
// knowledge, and guardrail packages. Callers match on the sentinels with
// errors.Is and extract details from the typed errors with errors.As.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotConfigured    = errors.New("not configured")
	ErrGenerationFailed = errors.New("generation failed")
	ErrGuardrailBlocked = errors.New("guardrail blocked")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrValidation       = errors.New("validation error")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// GuardrailBlockedError lists the banned phrases still present after the
// generation retry.
type GuardrailBlockedError struct {
	Phrases []string
}

func (e *GuardrailBlockedError) Error() string {
	return fmt.Sprintf("guardrail blocked: draft contains %s", strings.Join(quoteAll(e.Phrases), ", "))
}

func (e *GuardrailBlockedError) Unwrap() error { return ErrGuardrailBlocked }

// GenerationError wraps a completion-service failure.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *GenerationError) Unwrap() []error { return []error{ErrGenerationFailed, e.Err} }

// Generation wraps err as a GenerationError. A nil err yields nil.
func Generation(err error) error {
	if err == nil {
		return nil
	}
	var ge *GenerationError
	if errors.As(err, &ge) {
		return err
	}
	return &GenerationError{Err: err}
}

// Forbidden returns an error wrapping ErrForbidden with the given reason.
func Forbidden(reason string) error {
	return fmt.Errorf("%w: %s", ErrForbidden, reason)
}

// NotFound returns an error wrapping ErrNotFound for the given resource.
func NotFound(resource, id string) error {
	return fmt.Errorf("%s %q: %w", resource, id, ErrNotFound)
}

// HTTPStatus maps an error onto the status code the API layer responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGuardrailBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Type returns the short error type string used in JSON error envelopes.
func Type(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "invalid_request_error"
	case errors.Is(err, ErrUnauthorized):
		return "authentication_error"
	case errors.Is(err, ErrForbidden):
		return "permission_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrGuardrailBlocked):
		return "guardrail_blocked"
	case errors.Is(err, ErrGenerationFailed):
		return "generation_failed"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	default:
		return "api_error"
	}
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = fmt.Sprintf("%q", s)
	}
	return out
}
