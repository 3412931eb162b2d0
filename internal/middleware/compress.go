package middleware

import (
	"compress/gzip"
	"strings"

	"github.com/gin-gonic/gin"
)

type CompressConfig struct {
	Level     int
	SkipPaths []string
}

func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level: gzip.DefaultCompression,
		// Prometheus negotiates its own encoding; health bodies are tiny.
		SkipPaths: []string{"/metrics", "/api/v1/health"},
	}
}

type gzipResponseWriter struct {
	gin.ResponseWriter
	gz *gzip.Writer
}

func (w *gzipResponseWriter) Write(data []byte) (int, error) {
	return w.gz.Write(data)
}

func (w *gzipResponseWriter) WriteString(s string) (int, error) {
	return w.gz.Write([]byte(s))
}

// Compress gzips responses for clients that ask for it. Everything this API
// returns is JSON, so there is no content-type negotiation to do.
func Compress(config CompressConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range config.SkipPaths {
			if strings.HasPrefix(c.Request.URL.Path, path) {
				c.Next()
				return
			}
		}
		if !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
			c.Next()
			return
		}

		gz, err := gzip.NewWriterLevel(c.Writer, config.Level)
		if err != nil {
			c.Next()
			return
		}
		defer gz.Close()

		c.Header("Content-Encoding", "gzip")
		c.Header("Vary", "Accept-Encoding")
		c.Writer = &gzipResponseWriter{ResponseWriter: c.Writer, gz: gz}

		c.Next()
	}
}
