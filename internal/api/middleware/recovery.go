package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// Recovery turns handler panics into a 500 response
func Recovery(log logger.Interface) gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered interface{}) {
		log.WithFields(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"ip":         c.ClientIP(),
			"request_id": GetRequestID(c),
			"panic":      recovered,
		}).Error("Panic recovered in HTTP handler")

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal Server Error",
			"message": "An unexpected error occurred",
		})
	})
}
