package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/api/middleware"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/services"
)

// DeploymentService is what the deployment endpoints need
type DeploymentService interface {
	CreateDeployment(req services.CreateDeploymentRequest) (*models.Deployment, error)
	GetDeployment(id uint) (*models.Deployment, error)
	GetDeploymentStatus(id uint) (*services.DeploymentStatus, error)
	ListDeployments(opts services.DeploymentListOptions) ([]models.Deployment, error)
	CancelDeployment(id uint) error
	RollbackDeployment(id uint, initiatedBy string) (*models.Deployment, error)
}

// DeploymentHandler handles rollout endpoints
type DeploymentHandler struct {
	service DeploymentService
	logger  logger.Interface
}

// NewDeploymentHandler creates a new deployment handler
func NewDeploymentHandler(service DeploymentService, logger logger.Interface) *DeploymentHandler {
	return &DeploymentHandler{
		service: service,
		logger:  logger.WithField("handler", "deployment"),
	}
}

// List returns deployments newest first, filtered by cluster_id, status and limit
func (h *DeploymentHandler) List(c *gin.Context) {
	clusterID, ok := queryUint(c, "cluster_id")
	if !ok {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			badRequest(c, "Invalid limit")
			return
		}
		limit = v
	}

	deployments, err := h.service.ListDeployments(services.DeploymentListOptions{
		ClusterID: clusterID,
		Status:    models.DeploymentStatus(c.Query("status")),
		Limit:     limit,
	})
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to retrieve deployments")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deployments": deployments,
		"count":       len(deployments),
	})
}

// Create starts a rollout. It answers 202 once the deployment is pending;
// progress is read from the status endpoint.
func (h *DeploymentHandler) Create(c *gin.Context) {
	var req services.CreateDeploymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if user := middleware.GetUserID(c); user != "" {
		req.InitiatedBy = user
	}

	deployment, err := h.service.CreateDeployment(req)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to create deployment")
		return
	}

	c.Header("Location", "/api/v1/deployments/"+strconv.FormatUint(uint64(deployment.ID), 10))
	c.JSON(http.StatusAccepted, deployment)
}

// Get returns a deployment with its step log
func (h *DeploymentHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "deployment")
	if !ok {
		return
	}

	deployment, err := h.service.GetDeployment(id)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to retrieve deployment")
		return
	}
	c.JSON(http.StatusOK, deployment)
}

// Status returns the progress view of a deployment
func (h *DeploymentHandler) Status(c *gin.Context) {
	id, ok := parseID(c, "deployment")
	if !ok {
		return
	}

	status, err := h.service.GetDeploymentStatus(id)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to retrieve deployment status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// Cancel asks a running deployment to stop between steps
func (h *DeploymentHandler) Cancel(c *gin.Context) {
	id, ok := parseID(c, "deployment")
	if !ok {
		return
	}

	if err := h.service.CancelDeployment(id); err != nil {
		handleServiceError(c, h.logger, err, "Failed to cancel deployment")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "message": "cancellation requested"})
}

// Rollback re-runs a failed deployment's nodes with the last good payload
func (h *DeploymentHandler) Rollback(c *gin.Context) {
	id, ok := parseID(c, "deployment")
	if !ok {
		return
	}

	deployment, err := h.service.RollbackDeployment(id, middleware.GetUserID(c))
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to roll back deployment")
		return
	}
	c.JSON(http.StatusAccepted, deployment)
}
