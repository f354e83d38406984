package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pixelmind/backend/internal/services"
)

// RateLimiter caps requests per account in a fixed window. Without Redis it
// lets everything through.
type RateLimiter struct {
	redis  *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewRateLimiter(rdb *redis.Client, prefix string, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: rdb, prefix: prefix, limit: limit, window: window}
}

func (l *RateLimiter) key(accountID string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.prefix, accountID)
}

// Allow counts one request and reports whether it is within the limit
func (l *RateLimiter) Allow(ctx context.Context, accountID string) (bool, error) {
	if l.redis == nil || l.limit <= 0 {
		return true, nil
	}

	key := l.key(accountID)
	count, err := l.redis.Get(ctx, key).Int()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if count >= l.limit {
		return false, nil
	}

	pipe := l.redis.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Middleware applies the limit to the authenticated account. Redis errors
// fail open.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := AccountID(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := l.Allow(r.Context(), accountID)
		if err != nil {
			log.Printf("[RATELIMIT] Check failed for %s, allowing: %v", accountID, err)
			allowed = true
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			services.SendErrorResponse(w, "Rate limit exceeded", http.StatusTooManyRequests, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
