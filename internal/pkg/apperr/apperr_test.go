package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByCode(t *testing.T) {
	assert.True(t, Is(ErrInsufficientCredit, ErrInsufficientCredit))
	assert.False(t, Is(ErrInsufficientCredit, ErrDuplicateCharge))
	assert.False(t, Is(errors.New("plain"), ErrValidation))

	wrapped := fmt.Errorf("failed to capture: %w", ErrDeliveryNotAvailable)
	assert.True(t, Is(wrapped, ErrDeliveryNotAvailable))
}

func TestWithDetailsDoesNotMutateSentinel(t *testing.T) {
	e := ErrInsufficientCredit.WithDetails(map[string]any{"balance": "-120.00"})

	assert.Equal(t, ErrInsufficientCredit.Code, e.Code)
	assert.Equal(t, "-120.00", e.Details["balance"])
	assert.Nil(t, ErrInsufficientCredit.Details)
}

func TestWithMessageDoesNotMutateSentinel(t *testing.T) {
	e := ErrValidation.WithMessage("custom")

	assert.Equal(t, ErrValidation.Code, e.Code)
	assert.Equal(t, "custom", e.Message)
	assert.NotEqual(t, "custom", ErrValidation.Message)
}

func TestAsFallsBackToInternal(t *testing.T) {
	assert.Equal(t, ErrWrongOTP, As(ErrWrongOTP))
	assert.Equal(t, ErrInternal, As(errors.New("driver: bad connection")))

	wrapped := fmt.Errorf("failed to verify: %w", ErrWrongOTP)
	assert.Equal(t, ErrWrongOTP.Code, As(wrapped).Code)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrServiceUnavailable))
	assert.True(t, IsTransient(ErrUpstreamTimeout))
	assert.True(t, IsTransient(ErrUpstreamFailure.WithDetails(map[string]any{"status": 503})))

	assert.False(t, IsTransient(ErrInternal))
	assert.False(t, IsTransient(ErrRateLimited))
	assert.False(t, IsTransient(errors.New("plain")))
}
