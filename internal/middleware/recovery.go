package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"github.com/textloop/textloop/pkg/logger"
)

// Recovery converts a handler panic into a 500 so one bad request cannot
// take the API process down with it.
func Recovery(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				l.Error(fmt.Errorf("panic: %v", r), "request panic recovered",
					"request_id", c.GetString(ContextRequestID),
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
					Code:      http.StatusInternalServerError,
					Message:   "internal server error",
					RequestID: c.GetString(ContextRequestID),
				})
			}
		}()
		c.Next()
	}
}
