package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"parley/internal/domain"
	"parley/internal/infra/config"
)

// CircuitBreakerProvider fails fast once a provider has failed MaxFailures
// times in a row. After Timeout one probe call is let through; its outcome
// closes or reopens the circuit.
type CircuitBreakerProvider struct {
	inner   domain.LLMProvider
	breaker *gobreaker.CircuitBreaker[*domain.ChatResponse]
}

var _ domain.LLMProvider = (*CircuitBreakerProvider)(nil)

// NewCircuitBreakerProvider wraps inner. Zero config fields take defaults
// (5 failures, 30s open, 60s counting window).
func NewCircuitBreakerProvider(inner domain.LLMProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[*domain.ChatResponse](breakerSettings(inner.Name(), cfg, logger)),
	}
}

func breakerSettings(provider string, cfg config.CircuitBreakerConfig, logger *slog.Logger) gobreaker.Settings {
	threshold := orDefault(cfg.MaxFailures, 5)
	return gobreaker.Settings{
		Name:        "llm:" + provider,
		MaxRequests: 1,
		Interval:    orDefault(cfg.Interval, time.Minute),
		Timeout:     orDefault(cfg.Timeout, 30*time.Second),
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("llm circuit breaker",
				"provider", provider,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// A caller that gave up says nothing about the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
}

func orDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Chat implements domain.LLMProvider. While the circuit is open the error
// wraps both domain.ErrTransport and the gobreaker sentinel.
func (p *CircuitBreakerProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	resp, err := p.breaker.Execute(func() (*domain.ChatResponse, error) {
		return p.inner.Chat(ctx, req)
	})
	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("provider %q circuit open: %w: %w", p.inner.Name(), domain.ErrTransport, err)
	default:
		return nil, err
	}
}

// Name implements domain.LLMProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// State reports the breaker state.
func (p *CircuitBreakerProvider) State() gobreaker.State { return p.breaker.State() }
