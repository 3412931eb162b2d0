package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type TimeoutConfig struct {
	Duration time.Duration
}

func DefaultTimeoutConfig() TimeoutConfig {
	// Producer calls are single INSERTs or small reads; anything slower
	// than this is stuck, not busy.
	return TimeoutConfig{Duration: 15 * time.Second}
}

// Timeout caps how long a request may run. The deadline rides on the
// request context so repository calls are cancelled with it.
func Timeout(config TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Duration)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{}, 1)
		go func() {
			c.Next()
			finished <- struct{}{}
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				c.AbortWithStatusJSON(http.StatusGatewayTimeout, ErrorResponse{
					Code:      http.StatusGatewayTimeout,
					Message:   "request timed out",
					RequestID: c.GetString(ContextRequestID),
				})
			}
		}
	}
}
