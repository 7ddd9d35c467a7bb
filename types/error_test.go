package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(ErrQueueFull, "generation queue is at capacity")
	assert.Equal(t, "[QUEUE_FULL] generation queue is at capacity", err.Error())

	cause := errors.New("channel closed")
	withCause := NewError(ErrUpstreamError, "provider failed").WithCause(cause)
	assert.Equal(t, "[UPSTREAM_ERROR] provider failed: channel closed", withCause.Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewError(ErrInternalError, "wrapper").WithCause(cause)

	assert.ErrorIs(t, err, cause)
	wrapped := fmt.Errorf("outer: %w", err)
	var te *Error
	require.ErrorAs(t, wrapped, &te)
	assert.Equal(t, ErrInternalError, te.Code)
}

func TestErrorBuilders(t *testing.T) {
	err := NewError(ErrRateLimited, "slow down").WithRetryable().WithHTTPStatus(429)
	assert.True(t, err.Retryable)
	assert.Equal(t, 429, err.HTTPStatus)
}

func TestHTTPStatusFor(t *testing.T) {
	cases := []struct {
		code   ErrorCode
		status int
	}{
		{ErrInvalidRequest, 400},
		{ErrUnauthorized, 401},
		{ErrGuardrailsViolated, 403},
		{ErrContentFiltered, 403},
		{ErrRateLimited, 429},
		{ErrQueueFull, 429},
		{ErrUpstreamError, 502},
		{ErrServiceUnavailable, 503},
		{ErrTimeout, 504},
		{ErrInternalError, 500},
		{ErrorCode("UNKNOWN"), 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, HTTPStatusFor(tc.code), string(tc.code))
	}
}
