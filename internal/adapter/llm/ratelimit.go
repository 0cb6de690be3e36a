package llm

import (
	"context"

	"golang.org/x/time/rate"

	"cadence-ai/internal/domain"
)

// RateLimitedProvider throttles outgoing provider calls with a token
// bucket. Waiting respects the caller's context, so cancellation while
// queued behind the limiter unwinds cleanly.
type RateLimitedProvider struct {
	inner   domain.ModelProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner with a limiter of perSecond requests
// and the given burst. perSecond <= 0 disables throttling.
func NewRateLimitedProvider(inner domain.ModelProvider, perSecond float64, burst int) *RateLimitedProvider {
	var limiter *rate.Limiter
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return &RateLimitedProvider{inner: inner, limiter: limiter}
}

// Name implements domain.ModelProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

// Generate implements domain.ModelProvider.
func (p *RateLimitedProvider) Generate(ctx context.Context, req domain.GenerateRequest) (domain.TurnRecord, error) {
	if err := p.wait(ctx); err != nil {
		return domain.TurnRecord{}, err
	}
	return p.inner.Generate(ctx, req)
}

// StreamGenerate implements domain.ModelProvider.
func (p *RateLimitedProvider) StreamGenerate(ctx context.Context, req domain.GenerateRequest) (<-chan domain.StreamEvent, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.StreamGenerate(ctx, req)
}

func (p *RateLimitedProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	return domain.WrapOp("rate limit wait", p.limiter.Wait(ctx))
}

// Compile-time interface check.
var _ domain.ModelProvider = (*RateLimitedProvider)(nil)
