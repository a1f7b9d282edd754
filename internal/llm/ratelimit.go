package llm

import (
	"context"
	"iter"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to the wrapped provider. Each Generate or
// Stream call takes one token before reaching upstream.
type RateLimited struct {
	next    Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p with a limiter allowing perSecond calls with the
// given burst. A non-positive rate disables limiting and returns p.
func WithRateLimit(p Provider, perSecond float64, burst int) Provider {
	if perSecond <= 0 {
		return p
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: p, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Generate(ctx context.Context, prompt Prompt, opts ...Option) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Generate(ctx, prompt, opts...)
}

func (r *RateLimited) Stream(ctx context.Context, prompt Prompt, opts ...Option) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := r.limiter.Wait(ctx); err != nil {
			yield("", err)
			return
		}
		for fragment, err := range r.next.Stream(ctx, prompt, opts...) {
			if !yield(fragment, err) {
				return
			}
		}
	}
}
