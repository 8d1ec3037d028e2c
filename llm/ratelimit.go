package llm

import (
	"context"

	"golang.org/x/time/rate"
	"go.uber.org/zap"
)

// RateLimitedProvider wraps a Provider with a token-bucket request limiter so
// a runaway workflow or agent loop cannot exhaust an upstream quota.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimitedProvider limits inner to rps requests per second with the
// given burst. A nil logger disables logging.
func NewRateLimitedProvider(inner Provider, rps float64, burst int, logger *zap.Logger) *RateLimitedProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger.With(zap.String("component", "llm_ratelimit")),
	}
}

func (p *RateLimitedProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Completion(ctx, req)
}

func (p *RateLimitedProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return p.inner.Stream(ctx, req)
}

func (p *RateLimitedProvider) Name() string        { return p.inner.Name() }
func (p *RateLimitedProvider) Features() FeatureSet { return p.inner.Features() }
func (p *RateLimitedProvider) Pricing() Pricing     { return p.inner.Pricing() }
