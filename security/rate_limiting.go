package security

import (
	"fmt"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"
)

// RateLimiter applies a fixed-window limit backed by Redis. The scan
// endpoints are the abuse target: decode work is CPU-heavy and an attacker
// can probe references by uploading symbols.
type RateLimiter struct {
	redis  *redis.Client
	max    int
	window time.Duration
}

func NewRateLimiter(redisClient *redis.Client, max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		max:    max,
		window: window,
	}
}

// ScanLimit is a route middleware limiting scan attempts per account (or
// per IP for unauthenticated probes). Redis failures fail open: scanning
// must keep working at the venue door when Redis hiccups.
func (r *RateLimiter) ScanLimit() func(*core.RequestEvent) error {
	return func(e *core.RequestEvent) error {
		if ua := e.Request.Header.Get("User-Agent"); isSuspiciousUserAgent(ua) {
			return e.JSON(403, map[string]string{"error": "Access denied"})
		}

		id := e.RealIP()
		if e.Auth != nil {
			id = "user:" + e.Auth.Id
		}
		key := fmt.Sprintf("ratelimit:scan:%s", id)

		ctx := e.Request.Context()
		count, err := r.redis.Incr(ctx, key).Result()
		if err == nil {
			if count == 1 {
				r.redis.Expire(ctx, key, r.window)
			}
			if count > int64(r.max) {
				return e.JSON(429, map[string]string{
					"error": "Rate limit exceeded. Please try again later.",
				})
			}
		}

		return e.Next()
	}
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
