package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/controller"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// Ticker runs one control-loop evaluation
type Ticker interface {
	Tick(ctx context.Context) (*controller.Report, error)
}

// ControllerHandler exposes the auto-scaling loop to external schedulers
type ControllerHandler struct {
	ticker Ticker
	logger logger.Interface
}

// NewControllerHandler creates a new controller handler
func NewControllerHandler(ticker Ticker, logger logger.Interface) *ControllerHandler {
	return &ControllerHandler{
		ticker: ticker,
		logger: logger.WithField("handler", "controller"),
	}
}

// Tick evaluates every auto-scaling cluster now. Per-cluster failures are
// reported inside the decisions with status 200; only a tick that could
// not run at all is an error.
func (h *ControllerHandler) Tick(c *gin.Context) {
	report, err := h.ticker.Tick(c.Request.Context())
	if err != nil && (report == nil || len(report.Decisions) == 0) {
		handleServiceError(c, h.logger, err, "Failed to run controller tick")
		return
	}

	body := gin.H{"report": report}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}
