package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

type CORSConfig struct {
	AllowOrigins []string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int
}

func DefaultCORSConfig() CORSConfig {
	// Callers are internal services and the ops dashboard; credentials are
	// bearer tokens, not cookies, so no Allow-Credentials.
	return CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
			HeaderXRequestID,
		},
		MaxAge: 3600,
	}
}

func CORS(config CORSConfig) gin.HandlerFunc {
	allowOrigin := func(origin string) string {
		for _, o := range config.AllowOrigins {
			if o == "*" || o == origin {
				return o
			}
		}
		return ""
	}

	return func(c *gin.Context) {
		if origin := c.GetHeader("Origin"); origin != "" {
			if allowed := allowOrigin(origin); allowed != "" {
				c.Header("Access-Control-Allow-Origin", allowed)
				c.Header("Access-Control-Allow-Methods", strings.Join(config.AllowMethods, ", "))
				c.Header("Access-Control-Allow-Headers", strings.Join(config.AllowHeaders, ", "))
				c.Header("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
