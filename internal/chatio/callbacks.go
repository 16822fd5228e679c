package chatio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mishloha/dispatch/internal/database"
	"github.com/mishloha/dispatch/internal/pkg/token"
)

// Bot-API callback payloads are capped at 64 bytes. Longer payloads are
// stored in Redis behind a short token and resolved on callback.
const (
	callbackDataLimit  = 64
	callbackKeyPrefix  = "callback:"
	callbackDataPrefix = "cbt:"

	// CallbackTTL bounds how long a sent button stays pressable.
	CallbackTTL = 36 * time.Hour
)

// ErrCallbackExpired is returned when a pressed button's token has aged out
// of the store. The user sees an explicit "button expired" message; the raw
// token is never dispatched to the state machine.
var ErrCallbackExpired = fmt.Errorf("callback token expired")

// CallbackStore is the short-token indirection for oversized callbacks.
type CallbackStore struct {
	redis *database.Redis
}

// NewCallbackStore creates a callback store.
func NewCallbackStore(redis *database.Redis) *CallbackStore {
	return &CallbackStore{redis: redis}
}

// Shorten returns data unchanged when it fits the platform cap, otherwise
// stores it and returns the token form.
func (s *CallbackStore) Shorten(ctx context.Context, data string) (string, error) {
	if len(data) <= callbackDataLimit {
		return data, nil
	}
	tok, err := token.NewCallbackToken()
	if err != nil {
		return "", err
	}
	if err := s.redis.Set(ctx, callbackKeyPrefix+tok, data, CallbackTTL); err != nil {
		return "", fmt.Errorf("failed to store callback payload: %w", err)
	}
	return callbackDataPrefix + tok, nil
}

// Resolve expands a token-form callback back to its payload. Non-token data
// passes through unchanged.
func (s *CallbackStore) Resolve(ctx context.Context, data string) (string, error) {
	if !strings.HasPrefix(data, callbackDataPrefix) {
		return data, nil
	}
	tok := strings.TrimPrefix(data, callbackDataPrefix)
	payload, err := s.redis.Get(ctx, callbackKeyPrefix+tok)
	if database.IsNil(err) {
		return "", ErrCallbackExpired
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve callback payload: %w", err)
	}
	return payload, nil
}
