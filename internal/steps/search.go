package steps

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/meridianlabs/deepvalue/internal/cache"
)

// CachedSearcher wraps a Searcher with the shared query cache: at most one
// live external query per distinct (subject, question-set) pair within the
// cache's TTL window, across the whole run and across repeated runs.
type CachedSearcher struct {
	inner Searcher
	cache cache.QueryCache
}

// NewCachedSearcher wraps inner with the given cache instance. The cache is
// passed in explicitly; searchers never own a process-wide one.
func NewCachedSearcher(inner Searcher, qc cache.QueryCache) *CachedSearcher {
	return &CachedSearcher{inner: inner, cache: qc}
}

func (s *CachedSearcher) Search(ctx context.Context, subject string, questions []string) (string, error) {
	id := cache.Identity{Subject: subject, Queries: questions}
	return cache.GetOrCompute(ctx, s.cache, id, func(ctx context.Context) (string, error) {
		return s.inner.Search(ctx, subject, questions)
	})
}

// RateLimitedSearcher bounds the rate of live external queries. Cache hits
// are not throttled, so this belongs under the CachedSearcher, not over it.
type RateLimitedSearcher struct {
	inner   Searcher
	limiter *rate.Limiter
}

// NewRateLimitedSearcher allows qps queries per second with the given burst.
func NewRateLimitedSearcher(inner Searcher, qps float64, burst int) *RateLimitedSearcher {
	return &RateLimitedSearcher{inner: inner, limiter: rate.NewLimiter(rate.Limit(qps), burst)}
}

func (s *RateLimitedSearcher) Search(ctx context.Context, subject string, questions []string) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("search rate limit wait: %w", err)
	}
	return s.inner.Search(ctx, subject, questions)
}
