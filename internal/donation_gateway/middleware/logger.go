package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerKey is the key used to store the request scoped logger in the context
const LoggerKey = "request_logger"

// Logger middleware stores a request scoped logger carrying the correlation ID and logs
// method, path, status and latency once the request completes. Must run after CorrelationID.
func Logger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		requestLogger := logger
		if correlationID := GetCorrelationID(c); correlationID != "" {
			requestLogger = logger.With("correlation_id", correlationID)
		}
		c.Set(LoggerKey, requestLogger)

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		statusCode := c.Writer.Status()
		level := slog.LevelInfo
		if statusCode >= 500 {
			level = slog.LevelWarn
		}

		requestLogger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", path,
			"route", c.FullPath(),
			"status", statusCode,
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		)
	}
}

// GetLogger returns the request scoped logger, or fallback outside the Logger middleware
func GetLogger(c *gin.Context, fallback *slog.Logger) *slog.Logger {
	if l, exists := c.Get(LoggerKey); exists {
		if logger, ok := l.(*slog.Logger); ok {
			return logger
		}
	}
	return fallback
}
