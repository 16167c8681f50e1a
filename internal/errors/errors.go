package errors

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Sentinel errors
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateIdentity = errors.New("identity already registered")
	ErrUnverified        = errors.New("user not verified")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthenticated   = errors.New("unauthenticated")

	// Ride and request lifecycle
	ErrInsufficientSeats = errors.New("insufficient seats")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrSelfRequest       = errors.New("driver cannot request own ride")
	ErrRideNotJoinable   = errors.New("ride not joinable")
	ErrDuplicateRequest  = errors.New("rider already has an active request on this ride")

	// Messaging
	ErrEmptyContent = errors.New("message content is empty")

	// ErrInvariantViolation marks programming errors such as a double seat
	// release. The failing call is aborted and prior state is kept.
	ErrInvariantViolation = errors.New("invariant violation")
)

// ValidationError captures field level problems with caller input.
type ValidationError struct {
	FieldErrors map[string]string
}

func (v *ValidationError) Error() string {
	if v == nil || len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for f := range v.FieldErrors {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+v.FieldErrors[f])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field level error.
func (v *ValidationError) Add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// OrNil returns v as an error only when it holds entries.
func (v *ValidationError) OrNil() error {
	if v.HasErrors() {
		return v
	}
	return nil
}

// Invalid builds a single-field validation error.
func Invalid(field, message string) error {
	v := &ValidationError{}
	v.Add(field, message)
	return v
}

// Invariant wraps ErrInvariantViolation with detail.
func Invariant(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// Kind maps an error to a stable label for logs, metrics and API payloads.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateIdentity):
		return "duplicate_identity"
	case errors.Is(err, ErrUnverified):
		return "unverified"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInsufficientSeats):
		return "insufficient_seats"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrSelfRequest):
		return "self_request"
	case errors.Is(err, ErrRideNotJoinable):
		return "ride_not_joinable"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, ErrEmptyContent):
		return "empty_content"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	}
	var vErr *ValidationError
	if errors.As(err, &vErr) {
		return "validation"
	}
	return "unexpected"
}

// StatusCode maps an error kind to the HTTP status surfaced to clients.
func StatusCode(err error) int {
	switch Kind(err) {
	case "":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "duplicate_identity", "duplicate_request", "insufficient_seats", "illegal_transition", "ride_not_joinable":
		return http.StatusConflict
	case "unauthenticated":
		return http.StatusUnauthorized
	case "forbidden", "unverified":
		return http.StatusForbidden
	case "self_request", "empty_content":
		return http.StatusBadRequest
	case "validation":
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// APIError is the JSON error body returned by the transport.
type APIError struct {
	Code    string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ToAPI converts err into its client-facing form. Unexpected and invariant
// errors are not echoed verbatim.
func ToAPI(err error) APIError {
	kind := Kind(err)
	out := APIError{Code: kind, Message: err.Error()}
	switch kind {
	case "unexpected", "invariant_violation":
		out.Message = "internal error"
	case "validation":
		var vErr *ValidationError
		if errors.As(err, &vErr) {
			out.Fields = vErr.FieldErrors
		}
	}
	return out
}
