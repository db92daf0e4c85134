package annotate

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/routeledger/pkg/ledger"
)

// RateLimitedAnnotator spaces calls to a shared summarizer quota.
type RateLimitedAnnotator struct {
	next    ledger.Annotator
	limiter *rate.Limiter
}

// RateLimited wraps next so at most rps calls per second (with burst) reach it.
func RateLimited(next ledger.Annotator, rps float64, burst int) *RateLimitedAnnotator {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedAnnotator{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Annotate blocks until the limiter allows an event or ctx ends.
func (r *RateLimitedAnnotator) Annotate(ctx context.Context, d ledger.Decision) (ledger.Annotation, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return ledger.Annotation{}, fmt.Errorf("annotate: rate limit: %w", err)
	}
	return r.next.Annotate(ctx, d)
}
