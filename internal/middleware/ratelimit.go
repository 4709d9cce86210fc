// Package middleware provides rate limiting for the admin HTTP surface.
// The client request protocol has its own, separate admission control
// (internal/clientmanager); this only protects the operator-facing HTTP
// endpoints from being hammered.
package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter holds one token bucket per key (IP address, by default).
type RateLimiter struct {
	mu                sync.Mutex
	limiters          map[string]*rate.Limiter
	requestsPerMinute int
	burst             int
}

// NewRateLimiter constructs a RateLimiter allowing requestsPerMinute
// requests per key on average, with burst allowed instantaneously.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	return &RateLimiter{
		limiters:          map[string]*rate.Limiter{},
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if limiter, ok := rl.limiters[key]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(rl.requestsPerMinute)/60, rl.burst)
	rl.limiters[key] = limiter

	go func() {
		time.Sleep(10 * time.Minute)
		rl.mu.Lock()
		delete(rl.limiters, key)
		rl.mu.Unlock()
	}()

	return limiter
}

// RateLimit applies per-client-IP rate limiting to the admin HTTP surface.
func RateLimit(requestsPerMinute, burst int) gin.HandlerFunc {
	rl := NewRateLimiter(requestsPerMinute, burst)

	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())

		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.Header("X-Rate-Limit-Limit", strconv.Itoa(requestsPerMinute))
			c.Header("X-Rate-Limit-Remaining", "0")
			c.JSON(http.StatusTooManyRequests, errorJSON("RATE_LIMIT_EXCEEDED",
				fmt.Sprintf("limit: %d requests per minute", requestsPerMinute)))
			c.Abort()
			return
		}

		c.Header("X-Rate-Limit-Limit", strconv.Itoa(requestsPerMinute))
		c.Next()
	}
}
