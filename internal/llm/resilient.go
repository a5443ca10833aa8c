package llm

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 250ms)
	MaxInterval         time.Duration // Maximum retry interval (default 5s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     250 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// CircuitBreakerRegistry holds one circuit breaker per model, so a model
// that keeps failing stops being called while others carry on.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	timeout  time.Duration
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewCircuitBreakerRegistry creates a registry whose breakers stay open for
// timeout before probing again. Zero means 30s.
func NewCircuitBreakerRegistry(timeout time.Duration) *CircuitBreakerRegistry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CircuitBreakerRegistry{
		timeout:  timeout,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for model, creating it on first use.
func (r *CircuitBreakerRegistry) Get(model string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[model]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        model,
		MaxRequests: 1, // One probe in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("WARNING: circuit breaker for model %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation is not a model failure
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[model] = cb
	return cb
}

// ResilientClient wraps a Client with per-model circuit breakers and
// exponential backoff retries.
type ResilientClient struct {
	inner    Client
	breakers *CircuitBreakerRegistry
	retry    RetryConfig
}

// NewResilientClient wraps inner.
func NewResilientClient(inner Client, retry RetryConfig, breakers *CircuitBreakerRegistry) *ResilientClient {
	if breakers == nil {
		breakers = NewCircuitBreakerRegistry(0)
	}
	return &ResilientClient{inner: inner, breakers: breakers, retry: retry}
}

// Chat implements Client.
func (c *ResilientClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolSpec) (Response, error) {
	return withRetry(ctx, c.breakers.Get(model), c.retry, func() (Response, error) {
		return c.inner.Chat(ctx, model, messages, tools)
	})
}

// Generate implements Client.
func (c *ResilientClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	return withRetry(ctx, c.breakers.Get(model), c.retry, func() (string, error) {
		return c.inner.Generate(ctx, model, prompt)
	})
}

// withRetry runs call through cb with exponential backoff. An open
// breaker or a cancelled context stops retrying immediately.
func withRetry[T any](ctx context.Context, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig, call func() (T, error)) (T, error) {
	var result T

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return call()
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

		result = out.(T)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = retryCfg.MaxElapsedTime
	policy.Multiplier = retryCfg.Multiplier
	policy.RandomizationFactor = retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	return result, err
}
