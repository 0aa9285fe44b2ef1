package blockchain

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/core-coin/solvere/internal/models"
)

var _ models.ChainExecutor = (*RateLimited)(nil)

// RateLimited caps the rate of chain submissions across all workers of a process.
type RateLimited struct {
	next    models.ChainExecutor
	limiter *rate.Limiter
}

func NewRateLimited(next models.ChainExecutor, perSecond float64) *RateLimited {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Execute(ctx context.Context, req models.ChainRequest) (*models.ChainResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, Transient("rate_limited", err)
	}
	return r.next.Execute(ctx, req)
}
