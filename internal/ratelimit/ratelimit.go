// Package ratelimit generalizes the per-IP HTTP limiter pattern into a
// per-(tenant, identity, action) limiter usable by any component, with
// an optional Redis-backed counter so the limit is shared across
// processes rather than reset whenever one instance restarts.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ironvault/securitycore/internal/cache"
)

// Limiter enforces a per-key rate limit. It prefers a Redis-backed
// fixed-window counter when a client is configured, and degrades to an
// in-process x/time/rate limiter otherwise (matching the teacher's
// internal/api/middleware/ratelimit.go for single-instance deployments).
type Limiter struct {
	redis *cache.Client
	limit int
	per   time.Duration

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

func New(client *cache.Client, limit int, per time.Duration) *Limiter {
	return &Limiter{
		redis:    client,
		limit:    limit,
		per:      per,
		fallback: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether an action identified by key may proceed. Key
// should already encode tenant/identity/action, e.g.
// "password_reset:{tenant}:{email}".
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.redis == nil {
		return l.allowFallback(key), nil
	}

	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().Unix()/int64(l.per.Seconds()))
	count, err := l.redis.Incr(ctx, windowKey)
	if err != nil {
		// Cache unavailable: fail open on the rate limit itself (this is
		// a non-authoritative path) but still bound locally.
		return l.allowFallback(key), nil
	}
	if count == 1 {
		_ = l.redis.Expire(ctx, windowKey, l.per)
	}
	return count <= int64(l.limit), nil
}

func (l *Limiter) allowFallback(key string) bool {
	l.mu.Lock()
	lim, ok := l.fallback[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.per/time.Duration(l.limit)), l.limit)
		l.fallback[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
