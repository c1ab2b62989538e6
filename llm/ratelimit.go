package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/PipeOpsHQ/qoe-assistant/types"
)

// RateLimited paces Generate calls of the wrapped provider. Waiting honors
// the caller's context.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// NewRateLimited wraps next with a token bucket of rps requests per second
// and the given burst. A non-positive rps returns next unchanged.
func NewRateLimited(next Provider, rps float64, burst int) Provider {
	if next == nil || rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Name() string { return r.next.Name() }

func (r *RateLimited) Capabilities() Capabilities { return r.next.Capabilities() }

func (r *RateLimited) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return types.Response{}, fmt.Errorf("%s rate limit: %w", r.next.Name(), err)
	}
	return r.next.Generate(ctx, req)
}

// Unwrap returns the paced provider.
func (r *RateLimited) Unwrap() Provider { return r.next }
