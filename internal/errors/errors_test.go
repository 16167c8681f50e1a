package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"wrapped not found", fmt.Errorf("ride r1: %w", ErrNotFound), "not_found"},
		{"seats", ErrInsufficientSeats, "insufficient_seats"},
		{"invariant", Invariant("hold %s released twice", "h1"), "invariant_violation"},
		{"validation", Invalid("seats", "must be positive"), "validation"},
		{"other", errors.New("boom"), "unexpected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusCode(ErrNotFound))
	assert.Equal(t, http.StatusConflict, StatusCode(ErrInsufficientSeats))
	assert.Equal(t, http.StatusForbidden, StatusCode(ErrUnverified))
	assert.Equal(t, http.StatusUnauthorized, StatusCode(ErrUnauthenticated))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusCode(Invalid("email", "required")))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(ErrInvariantViolation))
}

func TestToAPIHidesInternalDetail(t *testing.T) {
	api := ToAPI(Invariant("available seats %d exceed total %d", 5, 4))
	assert.Equal(t, "invariant_violation", api.Code)
	assert.Equal(t, "internal error", api.Message)

	api = ToAPI(Invalid("content", "too long"))
	assert.Equal(t, map[string]string{"content": "too long"}, api.Fields)
}

func TestValidationErrorMessageIsSorted(t *testing.T) {
	v := &ValidationError{}
	v.Add("to", "required")
	v.Add("from", "required")
	assert.Equal(t, "validation failed: from: required; to: required", v.Error())
	assert.NoError(t, (&ValidationError{}).OrNil())
}
