package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/gridsync/pkg/config"
)

const defaultRateLimitClients = 1024

// rateLimiter limits each client address with its own token bucket. The
// least recently seen clients are forgotten once the cache is full.
func rateLimiter(cfg config.RateLimitConfig) gin.HandlerFunc {
	size := cfg.Clients
	if size <= 0 {
		size = defaultRateLimitClients
	}
	limiters, _ := lru.New[string, *rate.Limiter](size)

	return func(c *gin.Context) {
		key := c.ClientIP()
		limiter, ok := limiters.Get(key)
		if !ok {
			limiter = rate.NewLimiter(rate.Limit(cfg.Limit), cfg.Burst)
			if prev, found, _ := limiters.PeekOrAdd(key, limiter); found {
				limiter = prev
			}
		}
		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
