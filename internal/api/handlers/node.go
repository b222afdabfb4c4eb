package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/services"
)

// NodeService is what the node endpoints need
type NodeService interface {
	List(opts services.NodeListOptions) ([]models.Node, error)
	GetByID(id uint) (*models.Node, error)
	Create(req services.CreateNodeRequest) (*models.Node, error)
	Update(id uint, req services.UpdateNodeRequest) (*models.Node, error)
	Delete(id uint) error
	Start(ctx context.Context, id uint) (*models.Node, error)
	Stop(ctx context.Context, id uint) (*models.Node, error)
	Restart(ctx context.Context, id uint) (*models.Node, error)
	SetMaintenance(id uint, enabled bool) (*models.Node, error)
	Probe(ctx context.Context, id uint) (models.HealthSample, error)
}

// NodeHandler handles node-related API operations
type NodeHandler struct {
	service NodeService
	logger  logger.Interface
}

// NewNodeHandler creates a new node handler
func NewNodeHandler(service NodeService, logger logger.Interface) *NodeHandler {
	return &NodeHandler{
		service: service,
		logger:  logger.WithField("handler", "node"),
	}
}

// SetStatusRequest switches maintenance mode. Only maintenance and offline
// are accepted; every other status is reached through lifecycle actions.
type SetStatusRequest struct {
	Status models.NodeStatus `json:"status" binding:"required"`
}

// List returns nodes, optionally filtered by cluster_id, unassigned or status
func (h *NodeHandler) List(c *gin.Context) {
	clusterID, ok := queryUint(c, "cluster_id")
	if !ok {
		return
	}
	unassigned, _ := strconv.ParseBool(c.Query("unassigned"))

	nodes, err := h.service.List(services.NodeListOptions{
		ClusterID:  clusterID,
		Unassigned: unassigned,
		Status:     models.NodeStatus(c.Query("status")),
	})
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to retrieve nodes")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// Create registers a node
func (h *NodeHandler) Create(c *gin.Context) {
	var req services.CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	node, err := h.service.Create(req)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to create node")
		return
	}
	c.JSON(http.StatusCreated, node)
}

// Get returns a node
func (h *NodeHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "node")
	if !ok {
		return
	}

	node, err := h.service.GetByID(id)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to retrieve node")
		return
	}
	c.JSON(http.StatusOK, node)
}

// Update changes a node's descriptive fields
func (h *NodeHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "node")
	if !ok {
		return
	}

	var req services.UpdateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	node, err := h.service.Update(id, req)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to update node")
		return
	}
	c.JSON(http.StatusOK, node)
}

// Delete removes a node
func (h *NodeHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "node")
	if !ok {
		return
	}

	if err := h.service.Delete(id); err != nil {
		handleServiceError(c, h.logger, err, "Failed to delete node")
		return
	}
	c.Status(http.StatusNoContent)
}

// Start starts the node's service
func (h *NodeHandler) Start(c *gin.Context) {
	h.lifecycle(c, "start", h.service.Start)
}

// Stop stops the node's service
func (h *NodeHandler) Stop(c *gin.Context) {
	h.lifecycle(c, "stop", h.service.Stop)
}

// Restart stops and starts the node's service
func (h *NodeHandler) Restart(c *gin.Context) {
	h.lifecycle(c, "restart", h.service.Restart)
}

func (h *NodeHandler) lifecycle(c *gin.Context, action string, fn func(context.Context, uint) (*models.Node, error)) {
	id, ok := parseID(c, "node")
	if !ok {
		return
	}

	node, err := fn(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to "+action+" node")
		return
	}
	c.JSON(http.StatusOK, node)
}

// SetStatus enters or leaves maintenance mode
func (h *NodeHandler) SetStatus(c *gin.Context) {
	id, ok := parseID(c, "node")
	if !ok {
		return
	}

	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	var enabled bool
	switch req.Status {
	case models.NodeStatusMaintenance:
		enabled = true
	case models.NodeStatusOffline:
	default:
		badRequest(c, "status must be maintenance or offline")
		return
	}

	node, err := h.service.SetMaintenance(id, enabled)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to change node status")
		return
	}
	c.JSON(http.StatusOK, node)
}

// Probe samples the node now
func (h *NodeHandler) Probe(c *gin.Context) {
	id, ok := parseID(c, "node")
	if !ok {
		return
	}

	sample, err := h.service.Probe(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to probe node")
		return
	}
	c.JSON(http.StatusOK, sample)
}
