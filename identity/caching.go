package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a successful lookup is reused.
const DefaultCacheTTL = 5 * time.Minute

type cachedPrincipal struct {
	internalID string
	expiresAt  time.Time
}

// CachingResolver remembers successful lookups of a backing Resolver for a
// TTL and collapses concurrent lookups of the same external id into one call.
// Failures are never cached so a principal created after a miss resolves on
// the next attempt.
type CachingResolver struct {
	next   Resolver
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cachedPrincipal
}

// NewCachingResolver wraps next. A ttl of zero uses DefaultCacheTTL.
func NewCachingResolver(next Resolver, ttl time.Duration, logger *slog.Logger) *CachingResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachingResolver{
		next:   next,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
		cache:  make(map[string]cachedPrincipal),
	}
}

// Resolve implements Resolver.
func (r *CachingResolver) Resolve(ctx context.Context, externalID string) (string, error) {
	if internal, ok := r.lookup(externalID); ok {
		return internal, nil
	}

	// The shared lookup outlives any single caller; each caller still
	// gives up on its own context.
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(externalID, func() (any, error) {
		internal, err := r.next.Resolve(lookupCtx, externalID)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[externalID] = cachedPrincipal{internalID: internal, expiresAt: r.now().Add(r.ttl)}
		r.mu.Unlock()
		return internal, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			r.logger.Debug("Shared concurrent principal lookup")
		}
		return res.Val.(string), nil
	}
}

func (r *CachingResolver) lookup(externalID string) (string, bool) {
	r.mu.RLock()
	entry, ok := r.cache[externalID]
	r.mu.RUnlock()
	if !ok || !r.now().Before(entry.expiresAt) {
		return "", false
	}
	return entry.internalID, true
}

// Invalidate drops a cached mapping.
func (r *CachingResolver) Invalidate(externalID string) {
	r.mu.Lock()
	delete(r.cache, externalID)
	r.mu.Unlock()
}
