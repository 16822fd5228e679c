// Package breaker implements per-service circuit breakers. One breaker
// guards each external dependency; all external calls go through Execute.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/mishloha/dispatch/internal/pkg/apperr"
)

// State is a breaker's position in the CLOSED/OPEN/HALF_OPEN cycle.
type State string

// Breaker states.
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config holds breaker tuning parameters.
type Config struct {
	// FailureThreshold consecutive failures trip the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays open before probing.
	ResetTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int
}

// DefaultConfig returns the standard breaker parameters.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is a thread-safe circuit breaker for one external service.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	halfOpenOK    int
	openUntil     time.Time
	now           func() time.Time
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config) *Breaker {
	stateGauge.WithLabelValues(name).Set(stateValue(StateClosed))
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the guarded service name.
func (b *Breaker) Name() string {
	return b.name
}

// Execute runs fn under the breaker. When the breaker is open the call
// short-circuits with the service-unavailable error; otherwise fn's result
// feeds the state machine.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

// allow admits or rejects a call based on the current state.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return apperr.ErrServiceUnavailable.WithDetails(map[string]any{
				"service":     b.name,
				"retry_after": int(b.openUntil.Sub(b.now()).Seconds()),
			})
		}
		// Open period elapsed: probe.
		b.state = StateHalfOpen
		b.halfOpenCalls = 1
		b.halfOpenOK = 0
		stateGauge.WithLabelValues(b.name).Set(stateValue(b.state))
		return nil
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return apperr.ErrServiceUnavailable.WithDetails(map[string]any{
				"service": b.name,
			})
		}
		b.halfOpenCalls++
		return nil
	}
	return nil
}

// record feeds a call outcome into the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.successes++
	}

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case StateHalfOpen:
		if !success {
			// Any half-open failure restarts the open timer.
			b.trip()
			return
		}
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenMaxCalls {
			b.state = StateClosed
			b.failures = 0
			stateGauge.WithLabelValues(b.name).Set(stateValue(b.state))
		}
	case StateOpen:
		if !success {
			b.failures++
		}
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openUntil = b.now().Add(b.cfg.ResetTimeout)
	b.halfOpenCalls = 0
	b.halfOpenOK = 0
	stateGauge.WithLabelValues(b.name).Set(stateValue(b.state))
}

// Snapshot is a point-in-time view for the debug surface.
type Snapshot struct {
	Service           string `json:"service"`
	State             State  `json:"state"`
	FailureCount      int    `json:"failure_count"`
	SuccessCount      int    `json:"success_count"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// Snapshot returns the breaker's current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	retryAfter := 0
	if b.state == StateOpen {
		if d := b.openUntil.Sub(b.now()); d > 0 {
			retryAfter = int(d.Seconds())
		}
	}
	return Snapshot{
		Service:           b.name,
		State:             b.state,
		FailureCount:      b.failures,
		SuccessCount:      b.successes,
		RetryAfterSeconds: retryAfter,
	}
}
