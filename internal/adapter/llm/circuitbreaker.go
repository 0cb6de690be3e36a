package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"cadence-ai/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// Interval is the cyclic period of the closed state for clearing failure counts.
	// If 0, failures never reset until the circuit opens.
	Interval time.Duration
}

// CircuitBreakerProvider wraps a ModelProvider with circuit breaker
// protection. When the wrapped provider fails repeatedly, the circuit opens
// and subsequent calls fail fast without reaching the provider, preventing
// retry storms.
type CircuitBreakerProvider struct {
	inner   domain.ModelProvider
	breaker *gobreaker.CircuitBreaker[domain.TurnRecord]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker.
// Zero-valued cfg fields get sensible defaults.
func NewCircuitBreakerProvider(inner domain.ModelProvider, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
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

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[domain.TurnRecord](gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1, // allow 1 probe in half-open state
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
		IsSuccessful: func(err error) bool {
			// Transient failures (rate limits, oversized requests the
			// caller can compress away) do not count toward opening the
			// circuit: they say nothing about provider health.
			return err == nil || domain.IsRetryableError(err)
		},
	})

	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Name implements domain.ModelProvider.
func (p *CircuitBreakerProvider) Name() string { return p.inner.Name() }

// Generate implements domain.ModelProvider. Calls are routed through the
// circuit breaker.
func (p *CircuitBreakerProvider) Generate(ctx context.Context, req domain.GenerateRequest) (domain.TurnRecord, error) {
	turn, err := p.breaker.Execute(func() (domain.TurnRecord, error) {
		return p.inner.Generate(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return domain.TurnRecord{}, fmt.Errorf("provider %q circuit open: %w", p.inner.Name(), err)
		}
		return domain.TurnRecord{}, err
	}
	return turn, nil
}

// StreamGenerate implements domain.ModelProvider. The circuit breaker
// protects the initial connection; streaming errors after connection do not
// trip the breaker (they are delivered through the channel).
func (p *CircuitBreakerProvider) StreamGenerate(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamEvent, error) {
	var ch <-chan domain.StreamEvent
	_, err := p.breaker.Execute(func() (domain.TurnRecord, error) {
		var streamErr error
		ch, streamErr = p.inner.StreamGenerate(ctx, req)
		return domain.TurnRecord{}, streamErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("provider %q circuit open: %w", p.inner.Name(), err)
		}
		return nil, err
	}
	return ch, nil
}

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (p *CircuitBreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}

// Compile-time interface check.
var _ domain.ModelProvider = (*CircuitBreakerProvider)(nil)
