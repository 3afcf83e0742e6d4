package httputil

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/forgehealth/pkg/observability"
)

// RateLimiter is a fixed window counter in Redis, shared by every API instance
type RateLimiter struct {
	redis  *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRateLimiter allows limit requests per window and key
func NewRateLimiter(client *redis.Client, limit int, window time.Duration, prefix string) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	if prefix == "" {
		prefix = "forgehealth:ratelimit"
	}
	return &RateLimiter{redis: client, limit: limit, window: window, prefix: prefix}
}

// Allow counts one request for key and reports whether it fits the window,
// how many remain and when the window resets.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	redisKey := rl.prefix + ":" + key

	count, err := rl.redis.Incr(ctx, redisKey).Result()
	if err != nil {
		return true, rl.limit, 0, fmt.Errorf("redis error: %w", err)
	}
	ttl, err := rl.redis.PTTL(ctx, redisKey).Result()
	if err != nil {
		return true, rl.limit, 0, fmt.Errorf("redis error: %w", err)
	}
	// a negative TTL means the window was never armed
	if ttl < 0 {
		if err := rl.redis.PExpire(ctx, redisKey, rl.window).Err(); err != nil {
			return true, rl.limit, 0, fmt.Errorf("redis error: %w", err)
		}
		ttl = rl.window
	}

	remaining := rl.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(rl.limit), remaining, ttl, nil
}

// Reset clears the counter of key
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.prefix+":"+key).Err()
}

// Middleware limits requests per client IP. Redis errors let the request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, remaining, reset, err := rl.Allow(r.Context(), "ip:"+ClientIP(r))
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			SetRetryAfter(w, reset)
			WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP is the first X-Forwarded-For hop, then X-Real-IP, then the peer address
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
