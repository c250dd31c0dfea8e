// Package apperr holds the error taxonomy shared by the webhook processor, the trainer
// approval gateway and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrGone              = errors.New("expired")
	ErrStateConflict     = errors.New("state conflict")
	ErrOverlap           = errors.New("time slot overlaps a confirmed booking")
	ErrDiscountExhausted = errors.New("discount code usage limit reached")
	ErrInvalidInput      = errors.New("invalid input")
)

// SignatureError rejects a webhook delivery before anything is parsed or mutated.
type SignatureError struct {
	Reason string
	Err    error
}

func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("webhook signature rejected: %s: %v", e.Reason, e.Err)
	}
	return "webhook signature rejected: " + e.Reason
}

func (e *SignatureError) Unwrap() error { return e.Err }

// ValidationError marks an authenticated event whose payload cannot be trusted.
// The event is logged and acknowledged, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// UpstreamError is returned once a payment authority call has failed for good.
type UpstreamError struct {
	Op        string
	Attempts  int
	Retryable bool
	Err       error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsSignature(err error) bool {
	var s *SignatureError
	return errors.As(err, &s)
}

func IsUpstream(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u)
}

// HTTPStatus maps an error from the core onto the status code returned to callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsSignature(err):
		return http.StatusBadRequest
	case IsValidation(err), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case IsUpstream(err):
		return http.StatusBadGateway
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrOverlap), errors.Is(err, ErrDiscountExhausted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
