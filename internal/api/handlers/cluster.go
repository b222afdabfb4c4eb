package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/services"
)

// ClusterService is what the cluster endpoints need
type ClusterService interface {
	Create(req services.CreateClusterRequest) (*models.Cluster, error)
	Update(id uint, req services.UpdateClusterRequest) (*models.Cluster, error)
	Delete(id uint) error
	List() ([]models.Cluster, error)
	GetByID(id uint) (*models.Cluster, error)
	GetClusterStatus(id uint) (*services.ClusterStatus, error)
	BalanceRecommendation(id uint) (*services.BalanceRecommendation, error)
	GetLoadBalancerRule(id uint) (*models.LoadBalancerRule, error)
	SaveLoadBalancerRule(id uint, rule models.LoadBalancerRule) (*models.LoadBalancerRule, error)
}

// ClusterHandler handles cluster-related API operations
type ClusterHandler struct {
	service ClusterService
	logger  logger.Interface
}

// NewClusterHandler creates a new cluster handler
func NewClusterHandler(service ClusterService, logger logger.Interface) *ClusterHandler {
	return &ClusterHandler{
		service: service,
		logger:  logger.WithField("handler", "cluster"),
	}
}

// List returns all clusters
func (h *ClusterHandler) List(c *gin.Context) {
	clusters, err := h.service.List()
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to retrieve clusters")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clusters": clusters,
		"count":    len(clusters),
	})
}

// Create creates a new cluster
func (h *ClusterHandler) Create(c *gin.Context) {
	var req services.CreateClusterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	cluster, err := h.service.Create(req)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to create cluster")
		return
	}
	c.JSON(http.StatusCreated, cluster)
}

// Get returns a specific cluster by ID
func (h *ClusterHandler) Get(c *gin.Context) {
	id, ok := parseID(c, "cluster")
	if !ok {
		return
	}

	cluster, err := h.service.GetByID(id)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to retrieve cluster")
		return
	}
	c.JSON(http.StatusOK, cluster)
}

// Update updates a cluster
func (h *ClusterHandler) Update(c *gin.Context) {
	id, ok := parseID(c, "cluster")
	if !ok {
		return
	}

	var req services.UpdateClusterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	cluster, err := h.service.Update(id, req)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to update cluster")
		return
	}
	c.JSON(http.StatusOK, cluster)
}

// Delete deletes an empty cluster
func (h *ClusterHandler) Delete(c *gin.Context) {
	id, ok := parseID(c, "cluster")
	if !ok {
		return
	}

	if err := h.service.Delete(id); err != nil {
		handleServiceError(c, h.logger, err, "Failed to delete cluster")
		return
	}
	c.Status(http.StatusNoContent)
}

// Status returns the cluster with its nodes and latest stats
func (h *ClusterHandler) Status(c *gin.Context) {
	id, ok := parseID(c, "cluster")
	if !ok {
		return
	}

	status, err := h.service.GetClusterStatus(id)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to retrieve cluster status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// Balance returns an advisory load rebalancing plan
func (h *ClusterHandler) Balance(c *gin.Context) {
	id, ok := parseID(c, "cluster")
	if !ok {
		return
	}

	rec, err := h.service.BalanceRecommendation(id)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to compute balance recommendation")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetLoadBalancer returns the cluster's load-balancer rule
func (h *ClusterHandler) GetLoadBalancer(c *gin.Context) {
	id, ok := parseID(c, "cluster")
	if !ok {
		return
	}

	rule, err := h.service.GetLoadBalancerRule(id)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to retrieve load balancer rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

// PutLoadBalancer replaces the cluster's load-balancer rule
func (h *ClusterHandler) PutLoadBalancer(c *gin.Context) {
	id, ok := parseID(c, "cluster")
	if !ok {
		return
	}

	var rule models.LoadBalancerRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		badRequest(c, err.Error())
		return
	}

	saved, err := h.service.SaveLoadBalancerRule(id, rule)
	if err != nil {
		handleServiceError(c, h.logger, err, "Failed to save load balancer rule")
		return
	}
	c.JSON(http.StatusOK, saved)
}
