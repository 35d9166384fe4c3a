package mw

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// clientLimiters holds one token bucket per client IP.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	r       rate.Limit
	b       int
}

func (l *clientLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.buckets[ip]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.buckets[ip] = limiter
	}
	return limiter
}

// RateLimiter is a middleware for per-IP request rate limiting.
func RateLimiter(r rate.Limit, b int) gin.HandlerFunc {
	limiters := &clientLimiters{
		buckets: make(map[string]*rate.Limiter),
		r:       r,
		b:       b,
	}
	return func(c *gin.Context) {
		if !limiters.get(c.ClientIP()).Allow() {
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
