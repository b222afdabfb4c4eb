package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// handleServiceError maps service errors onto HTTP responses. Unexpected
// errors are logged and reported without detail.
func handleServiceError(c *gin.Context, log logger.Interface, err error, message string) {
	var validation *errors.ValidationError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Bad Request",
			"message": validation.Error(),
			"field":   validation.Field,
		})
	case errors.Is(err, errors.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "message": err.Error()})
	case errors.Is(err, errors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found", "message": err.Error()})
	case errors.Is(err, errors.ErrAlreadyExists), errors.Is(err, errors.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Conflict", "message": err.Error()})
	case errors.Is(err, errors.ErrServiceUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service Unavailable", "message": err.Error()})
	default:
		log.WithError(err).Error(message)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error", "message": message})
	}
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "Bad Request", "message": message})
}

// parseID reads the :id path parameter, writing a 400 on failure
func parseID(c *gin.Context, resource string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "Invalid "+resource+" ID")
		return 0, false
	}
	return uint(id), true
}

// queryUint reads an optional unsigned query parameter
func queryUint(c *gin.Context, name string) (*uint, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		badRequest(c, "Invalid "+name)
		return nil, false
	}
	id := uint(v)
	return &id, true
}
