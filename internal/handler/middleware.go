package handler

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"membershippay/internal/logging"
	"membershippay/pkg/idgen"
	"membershippay/pkg/response"

	"github.com/gin-gonic/gin"
)

const requestIDHeader = "X-Request-ID"

// LoggerMiddleware gives every request a request id and a logger carrying
// it, then logs the outcome.
func LoggerMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = idgen.RequestID()
		}
		c.Header(requestIDHeader, requestID)

		log := base.With("request_id", requestID)
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), log))

		c.Next()

		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path = path + "?" + q
		}
		log.Info("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

// RecoveryMiddleware turns a panic into a 500 response.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logging.FromContext(c.Request.Context()).Error("panic recovered",
					"panic", err,
					"stack", string(debug.Stack()),
				)
				c.Abort()
				response.ServerError(c, "internal server error")
			}
		}()
		c.Next()
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
