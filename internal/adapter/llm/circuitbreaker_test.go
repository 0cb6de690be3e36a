package llm

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	"cadence-ai/internal/domain"
)

type flakyProvider struct {
	err   error
	calls int
}

func (f *flakyProvider) Name() string { return "flaky" }

func (f *flakyProvider) Generate(_ context.Context, _ domain.GenerateRequest) (domain.TurnRecord, error) {
	f.calls++
	if f.err != nil {
		return domain.TurnRecord{}, f.err
	}
	return domain.TextTurn(domain.RoleModel, "ok"), nil
}

func (f *flakyProvider) StreamGenerate(_ context.Context, _ domain.GenerateRequest) (<-chan domain.StreamEvent, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan domain.StreamEvent)
	close(ch)
	return ch, nil
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyProvider{err: errors.New("down")}
	p := NewCircuitBreakerProvider(inner, CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     time.Minute,
	}, slog.Default())

	ctx := context.Background()
	req := domain.GenerateRequest{Content: domain.TextTurn(domain.RoleUser, "hi")}

	for i := 0; i < 3; i++ {
		if _, err := p.Generate(ctx, req); err == nil {
			t.Fatal("expected failure")
		}
	}
	if p.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", p.State())
	}

	callsBefore := inner.calls
	if _, err := p.Generate(ctx, req); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState", err)
	}
	if inner.calls != callsBefore {
		t.Error("open circuit still reached the provider")
	}
}

func TestCircuitBreakerIgnoresRetryableFailures(t *testing.T) {
	inner := &flakyProvider{err: domain.NewDomainError("Provider.Generate", domain.ErrRateLimit, "429")}
	p := NewCircuitBreakerProvider(inner, CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     time.Minute,
	}, slog.Default())

	ctx := context.Background()
	req := domain.GenerateRequest{Content: domain.TextTurn(domain.RoleUser, "hi")}

	// Rate limiting is backpressure, not provider failure. No run of 429s
	// should open the circuit.
	for i := 0; i < 10; i++ {
		if _, err := p.Generate(ctx, req); !errors.Is(err, domain.ErrRateLimit) {
			t.Fatalf("err = %v, want ErrRateLimit", err)
		}
	}
	if p.State() != gobreaker.StateClosed {
		t.Fatalf("state = %v, want closed", p.State())
	}

	inner.err = domain.NewDomainError("Provider.Generate", domain.ErrProviderError, "500")
	for i := 0; i < 3; i++ {
		p.Generate(ctx, req)
	}
	if p.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open after hard failures", p.State())
	}
}

func TestCircuitBreakerPassThroughOnSuccess(t *testing.T) {
	inner := &flakyProvider{}
	p := NewCircuitBreakerProvider(inner, CircuitBreakerConfig{}, slog.Default())

	turn, err := p.Generate(context.Background(), domain.GenerateRequest{
		Content: domain.TextTurn(domain.RoleUser, "hi"),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if turn.Text() != "ok" {
		t.Errorf("text = %q", turn.Text())
	}

	if _, err := p.StreamGenerate(context.Background(), domain.GenerateRequest{}); err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
}

func TestRateLimitedProviderDisabled(t *testing.T) {
	inner := &flakyProvider{}
	p := NewRateLimitedProvider(inner, 0, 0)

	if _, err := p.Generate(context.Background(), domain.GenerateRequest{}); err != nil {
		t.Fatalf("Generate with disabled limiter: %v", err)
	}
}

func TestRateLimitedProviderHonorsCancellation(t *testing.T) {
	inner := &flakyProvider{}
	// 1 request per 100 seconds, burst 1: the second call must wait.
	p := NewRateLimitedProvider(inner, 0.01, 1)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := p.Generate(ctx, domain.GenerateRequest{}); err != nil {
		t.Fatalf("first Generate: %v", err)
	}

	cancel()
	if _, err := p.Generate(ctx, domain.GenerateRequest{}); err == nil {
		t.Fatal("second Generate should fail on a cancelled context")
	}
	if inner.calls != 1 {
		t.Errorf("provider reached %d times, want 1", inner.calls)
	}
}
