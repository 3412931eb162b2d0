package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type SizeLimitConfig struct {
	MaxBodyBytes int64
}

func DefaultSizeLimitConfig() SizeLimitConfig {
	// The largest legitimate body is an enqueue request with prompt
	// context; 256KB is generous for that.
	return SizeLimitConfig{MaxBodyBytes: 256 << 10}
}

// SizeLimit rejects oversized bodies up front and wraps the reader so a
// lying Content-Length cannot smuggle more bytes past the check.
func SizeLimit(config SizeLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > config.MaxBodyBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Code:      http.StatusRequestEntityTooLarge,
				Message:   "request body too large",
				RequestID: c.GetString(ContextRequestID),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.MaxBodyBytes)
		c.Next()
	}
}
