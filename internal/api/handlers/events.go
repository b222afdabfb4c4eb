package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/notify"
)

// EventLister reads the notification journal
type EventLister interface {
	List(limit int) ([]notify.Event, error)
}

// EventHandler serves recent notifications
type EventHandler struct {
	events EventLister
	logger logger.Interface
}

// NewEventHandler creates a new event handler
func NewEventHandler(events EventLister, logger logger.Interface) *EventHandler {
	return &EventHandler{
		events: events,
		logger: logger.WithField("handler", "events"),
	}
}

// List returns the newest events first, at most ?limit (default 100, max 1000)
func (h *EventHandler) List(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			badRequest(c, "Invalid limit")
			return
		}
		limit = min(v, 1000)
	}

	events, err := h.events.List(limit)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to read events")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
