package generator

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// WithRateLimit makes every call wait for a token from limiter first. A nil
// limiter returns g unchanged.
func WithRateLimit(g Generator, limiter *rate.Limiter) Generator {
	if limiter == nil {
		return g
	}
	return &rateLimited{next: g, limiter: limiter}
}

func (r *rateLimited) Generate(ctx context.Context, req Request) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Response{}, Permanent(fmt.Errorf("generator: rate limit wait: %w", err))
	}
	return r.next.Generate(ctx, req)
}
