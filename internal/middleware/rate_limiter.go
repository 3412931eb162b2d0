package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type RateLimiterConfig struct {
	Rate  rate.Limit
	Burst int
}

// RateLimiter is a process-wide token bucket protecting the API from a
// runaway producer. The durable per-user send budget is a separate concern
// and lives in internal/ratelimit.
type RateLimiter struct {
	bucket *rate.Limiter
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{bucket: rate.NewLimiter(config.Rate, config.Burst)}
}

func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.bucket.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Code:      http.StatusTooManyRequests,
				Message:   "rate limit exceeded",
				RequestID: c.GetString(ContextRequestID),
			})
			return
		}
		c.Next()
	}
}
