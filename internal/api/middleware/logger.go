package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// Logger logs one structured line per request. Health endpoints are skipped.
func Logger(log logger.Interface) gin.HandlerFunc {
	skip := map[string]bool{"/health": true, "/ready": true}

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		if skip[path] {
			return
		}

		entry := log.WithFields(map[string]interface{}{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"route":      c.FullPath(),
			"ip":         c.ClientIP(),
			"user_agent": c.Request.UserAgent(),
			"latency":    time.Since(start).String(),
			"request_id": GetRequestID(c),
		})
		if user := GetUserID(c); user != "" {
			entry = entry.WithField("user_id", user)
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			entry = entry.WithField("error", errs)
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("HTTP request failed")
		case status >= 400:
			entry.Warn("HTTP request completed with error")
		default:
			entry.Info("HTTP request completed")
		}
	}
}
