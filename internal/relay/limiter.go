package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Limiter decides whether one more request under key fits the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Window() time.Duration
}

// RedisLimiter is a fixed-window counter shared by every relay replica.
type RedisLimiter struct {
	rdb    redis.Cmdable
	limit  int64
	window time.Duration
}

func NewRedisLimiter(rdb redis.Cmdable, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, limit: int64(limit), window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	key = "rate:" + key
	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("rate limiter: %w", err)
	}
	if count == 1 {
		if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
			return false, fmt.Errorf("rate limiter: start window: %w", err)
		}
	}
	if count > l.limit {
		// a counter left without a TTL would block the client for good
		ttl, err := l.rdb.TTL(ctx, key).Result()
		if err != nil {
			return false, fmt.Errorf("rate limiter: %w", err)
		}
		if ttl < 0 {
			if err := l.rdb.Expire(ctx, key, l.window).Err(); err != nil {
				return false, fmt.Errorf("rate limiter: restore window: %w", err)
			}
		}
	}
	return count <= l.limit, nil
}

func (l *RedisLimiter) Window() time.Duration { return l.window }

// rateLimit answers 429 once a client exceeds its budget. Limiter outages
// let the request through.
func rateLimit(l Limiter, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "status:" + clientIP(r)
			ok, err := l.Allow(r.Context(), key)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(max(l.Window()/time.Second, 1))))
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
