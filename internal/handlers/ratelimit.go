package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter hands out one token bucket per client IP.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	rate      rate.Limit
	burstSize int
	logger    *zap.Logger
}

// NewRateLimiter allows perSecond requests per client with the given burst.
func NewRateLimiter(perSecond float64, burstSize int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		buckets:   make(map[string]*rate.Limiter),
		rate:      rate.Limit(perSecond),
		burstSize: burstSize,
		logger:    logger.Named("rate_limiter"),
	}
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiter, ok := r.buckets[key]
	if !ok {
		limiter = rate.NewLimiter(r.rate, r.burstSize)
		r.buckets[key] = limiter
	}
	return limiter
}

// Middleware rejects requests over the limit with 429.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !r.limiterFor(clientIP).Allow() {
			r.logger.Warn("too many requests", zap.String("client_ip", clientIP), zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
