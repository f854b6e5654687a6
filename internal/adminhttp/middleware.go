// Package adminhttp is the node's read-only operational HTTP surface:
// /healthz, /metrics, and /debug/store. It is ambient infrastructure, not a
// spec.md module — MerkleKV's application traffic is MQTT-only.
//
// Grounded on the teacher's internal/api/middleware.go Logger/Recovery pair,
// reworked from log.Printf to structured rs/zerolog events at the same call
// sites.
package adminhttp

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Logger is a Gin middleware that logs every request with method, path,
// status code, and latency as structured fields.
func Logger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client_ip", c.ClientIP()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("admin http request")
	}
}

// Recovery replaces Gin's default recovery: it recovers handler panics itself
// and logs them as structured events instead of via the standard logger.
func Recovery(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Msg("admin http handler panicked")
				c.AbortWithStatusJSON(500, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
