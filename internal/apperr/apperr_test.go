package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	cases := map[int]Type{
		http.StatusBadRequest:          Argument,
		http.StatusUnauthorized:        Unauthorized,
		http.StatusForbidden:           Forbidden,
		http.StatusNotFound:            NotFound,
		http.StatusTooManyRequests:     RateLimitExceeded,
		http.StatusConflict:            Argument,
		http.StatusUnprocessableEntity: Argument,
		http.StatusInternalServerError: ServiceUnavailable,
		http.StatusBadGateway:          ServiceUnavailable,
		http.StatusServiceUnavailable:  ServiceUnavailable,
	}
	for status, want := range cases {
		got := FromStatus(status, "")
		assert.Equal(t, want, got.Type, "status %d", status)
		assert.NotEmpty(t, got.Message)
	}
}

func TestTypeOfWrapped(t *testing.T) {
	err := fmt.Errorf("confirm: %w", NewNotFound("transaction"))
	assert.Equal(t, NotFound, TypeOf(err))
	assert.True(t, IsNotFound(err))
	assert.Equal(t, Internal, TypeOf(errors.New("plain")))
	assert.Equal(t, http.StatusConflict, NewInvalidState("transaction", "already Canceled").Status())
}

func TestCompensateKeepsBothOutcomes(t *testing.T) {
	primary := NewServiceUnavailable("card gateway down")
	cleanup := errors.New("ledger write failed")

	require.Same(t, primary, Compensate(primary, nil))

	err := Compensate(primary, cleanup)
	var ce *CompensationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, cleanup, ce.Cleanup)
	assert.True(t, Is(err, ServiceUnavailable))
	assert.Contains(t, err.Error(), "ledger write failed")
}
