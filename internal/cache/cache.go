// Package cache provides a content-addressed, time-limited memo of named
// query results, shared by analysis steps within and across runs so identical
// expensive external lookups are executed at most once per TTL window.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/meridianlabs/deepvalue/internal/metrics"
)

// Identity names a query: a subject (e.g. a hypothesis id) plus an ordered
// list of sub-queries. Callers never construct cache keys directly; the
// digest below is the only key form, which prevents collision bugs from
// inconsistent concatenation.
type Identity struct {
	Subject string
	Queries []string
}

// Key returns the stable digest of the identity's canonical form.
// Query order is significant: a reordered question list is a distinct key.
func (id Identity) Key() string {
	h := sha256.New()
	h.Write([]byte(id.Subject))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.Join(id.Queries, "\x1e")))
	return "qc:" + hex.EncodeToString(h.Sum(nil))
}

// QueryCache is the contract shared by the in-process and Redis backends.
// Implementations must be safe for concurrent use; the only cross-writer
// guarantee is last write wins for the same key.
type QueryCache interface {
	Get(ctx context.Context, id Identity) (string, bool)
	Put(ctx context.Context, id Identity, result string) error
	EvictExpired(ctx context.Context) (int, error)
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// GetOrCompute looks up id in the cache and, on a miss, runs compute, stores
// its result, and returns it. A compute error is returned without polluting
// the cache.
func GetOrCompute(ctx context.Context, c QueryCache, id Identity, compute func(context.Context) (string, error)) (string, error) {
	if v, ok := c.Get(ctx, id); ok {
		metrics.CacheHits.Inc()
		return v, nil
	}
	metrics.CacheMisses.Inc()

	v, err := compute(ctx)
	if err != nil {
		return "", err
	}
	if err := c.Put(ctx, id, v); err != nil {
		// A failed write only loses memoization, not the result.
		return v, nil
	}
	return v, nil
}
