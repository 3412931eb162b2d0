package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/textloop/textloop/pkg/logger"
)

// Logger writes one structured line per request. Bodies are never logged;
// they carry message text destined for users' phones.
func Logger(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		status := c.Writer.Status()
		fields := []interface{}{
			"request_id", c.GetString(ContextRequestID),
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}

		switch {
		case status >= 500:
			l.Error(nil, "request failed", fields...)
		case status >= 400:
			l.Warn("request rejected", fields...)
		default:
			l.Info("request served", fields...)
		}
	}
}
