package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/m2tx/weather_agent/internal/agent"
	"github.com/m2tx/weather_agent/internal/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerCompleter wraps a Completer. After MaxFailures consecutive
// failures the circuit opens and calls fail fast until Timeout elapses.
type CircuitBreakerCompleter struct {
	inner   agent.Completer
	breaker *gobreaker.CircuitBreaker[*agent.CompletionResponse]
}

func NewCircuitBreakerCompleter(inner agent.Completer, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerCompleter {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*agent.CompletionResponse](gobreaker.Settings{
		Name:        "completion",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Caller cancellation does not count as a failure.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &CircuitBreakerCompleter{
		inner:   inner,
		breaker: cb,
	}
}

func (c *CircuitBreakerCompleter) Complete(ctx context.Context, req agent.CompletionRequest) (*agent.CompletionResponse, error) {
	resp, err := c.breaker.Execute(func() (*agent.CompletionResponse, error) {
		return c.inner.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("completion service circuit open: %w", err)
		}
		return nil, err
	}
	return resp, nil
}

// State returns the current circuit breaker state.
func (c *CircuitBreakerCompleter) State() gobreaker.State {
	return c.breaker.State()
}

var _ agent.Completer = (*CircuitBreakerCompleter)(nil)
