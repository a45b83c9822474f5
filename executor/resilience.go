package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff around Start.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	Multiplier      float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
		Multiplier:      2.0,
	}
}

// BreakerRegistry manages per-substrate circuit breakers so a flapping
// backend stops being hammered while others keep launching.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewBreakerRegistry creates a breaker registry.
func NewBreakerRegistry(logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the circuit breaker for the named substrate, creating it on
// first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("substrate breaker state change",
				slog.String("substrate", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not substrate failure.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[name] = cb
	return cb
}

// StartWithRetry launches an execution through the circuit breaker,
// retrying transient launch failures with exponential backoff. Once the
// stream is up, message handling is the caller's business.
func StartWithRetry(ctx context.Context, ex Executor, prompt string, cb *gobreaker.CircuitBreaker, cfg RetryConfig) (Stream, error) {
	var stream Stream

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		result, err := cb.Execute(func() (any, error) {
			return ex.Start(ctx, prompt)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		stream = result.(Stream)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return stream, nil
}
