// Package resilience provides the circuit breaker, retrying caller, and
// sliding-window rate limiter that wrap every outbound call the
// orchestrator makes, in the order rate-limit -> breaker -> retry ->
// transport.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
)

// State mirrors gobreaker.State so callers never import gobreaker directly.
type State = gobreaker.State

const (
	StateClosed   = gobreaker.StateClosed
	StateHalfOpen = gobreaker.StateHalfOpen
	StateOpen     = gobreaker.StateOpen
)

// BreakerConfig parameterises a CircuitBreaker per spec §4.1.
type BreakerConfig struct {
	Name                     string
	FailureThreshold         uint32
	RecoveryTimeout          time.Duration
	HalfOpenRequiredSuccess  uint32
	OnStateChange            func(name string, from, to State)
}

// CircuitBreaker wraps gobreaker.CircuitBreaker behind the three-state
// semantics spec.md §4.1 describes: closed -> open on consecutive
// failures, open -> half-open after the recovery timeout, half-open ->
// closed after enough consecutive successes.
type CircuitBreaker struct {
	gb   *gobreaker.CircuitBreaker[any]
	name string
}

// NewBreaker builds a CircuitBreaker from cfg.
func NewBreaker(cfg BreakerConfig) *CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequiredSuccess,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from, to)
		}
	}
	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings), name: cfg.Name}
}

// Execute runs fn through the breaker. When the breaker is open, fn is
// never invoked and ErrUpstreamUnavailable is returned immediately.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := c.gb.Execute(func() (any, error) {
		return nil, fn(ctx)
	})
	if err == nil {
		return nil
	}
	return c.mapError(err)
}

func (c *CircuitBreaker) mapError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.ErrUpstreamUnavailable
	}
	return err
}

// State returns the breaker's current state for metrics/status views.
func (c *CircuitBreaker) State() State {
	return c.gb.State()
}

// Counts returns the breaker's rolling failure/success counters.
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.gb.Counts()
}

// Name returns the resource name this breaker guards.
func (c *CircuitBreaker) Name() string { return c.name }
