package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mctrack/mctrack/pkg/httputil"
	"github.com/mctrack/mctrack/pkg/observability"
)

const (
	rateLimitWindow    = time.Minute
	rateLimitKeyPrefix = "ratelimit:ingestion"
)

// RateLimiter enforces a fixed-window per-API-key request budget shared
// across instances through redis. Redis failures fail open: a cache
// outage must never block ingestion.
type RateLimiter struct {
	redis   *redis.Client
	limit   int
	window  time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRateLimiter creates a limiter allowing limit requests per key per
// minute. A limit of zero disables limiting.
func NewRateLimiter(client *redis.Client, limit int, logger *observability.Logger, metrics *observability.Metrics) *RateLimiter {
	return &RateLimiter{
		redis:   client,
		limit:   limit,
		window:  rateLimitWindow,
		logger:  logger,
		metrics: metrics,
	}
}

// Handler wraps next with the per-key limit. Requests without an API
// key pass through untouched; authentication rejects them downstream.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" || rl.limit <= 0 || rl.redis == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		key := fmt.Sprintf("%s:%s", rateLimitKeyPrefix, HashAPIKey(apiKey))

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			rl.logger.WithError(err).Warn("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			// First hit opens the window.
			if err := rl.redis.PExpire(ctx, key, rl.window).Err(); err != nil {
				rl.logger.WithError(err).Warn("failed to set rate limit window expiry")
			}
		}

		remaining := int64(rl.limit) - count
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		if ttl, err := rl.redis.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))
		}

		if count > int64(rl.limit) {
			if rl.metrics != nil {
				rl.metrics.RateLimitedTotal.Inc()
			}
			httputil.WriteError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
