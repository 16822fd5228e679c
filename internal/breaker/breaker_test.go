package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mishloha/dispatch/internal/pkg/apperr"
)

var errUpstream = errors.New("upstream down")

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()
	now := time.Now()
	b := New("test", DefaultConfig())
	b.now = func() time.Time { return now }
	return b, &now
}

func fail(context.Context) error { return errUpstream }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		assert.Equal(t, StateClosed, b.Snapshot().State)
		err := b.Execute(ctx, fail)
		assert.Equal(t, errUpstream, err)
	}

	assert.Equal(t, StateOpen, b.Snapshot().State)

	// Open breaker short-circuits with the stable transient code.
	err := b.Execute(ctx, ok)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.ErrServiceUnavailable))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.NoError(t, b.Execute(ctx, ok))

	// Four more failures do not trip; the counter restarted.
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, fail)
	}
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	require.Equal(t, StateOpen, b.Snapshot().State)

	// After the reset timeout, trial calls are admitted.
	*now = now.Add(31 * time.Second)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Execute(ctx, ok))
	}
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail)
	}
	*now = now.Add(31 * time.Second)

	_ = b.Execute(ctx, fail)
	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap.State)
	assert.Greater(t, snap.RetryAfterSeconds, 0)
}

func TestRegistryReturnsSameInstance(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	b1 := r.Get(ServiceBotAPI)
	b2 := r.Get(ServiceBotAPI)
	assert.Same(t, b1, b2)

	b3 := r.Get(ServiceWebChat)
	assert.NotSame(t, b1, b3)

	assert.Len(t, r.Snapshots(), 2)
}
