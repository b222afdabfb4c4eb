package services

import (
	"context"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

// HealthChecker samples a node
type HealthChecker interface {
	Check(ctx context.Context, node *models.Node) models.HealthSample
}

// NodeService handles node business logic
type NodeService struct {
	store    storage.Store
	registry *NodeRegistry
	actions  *NodeActions
	probe    HealthChecker
	locks    *NodeLocks
	logger   logger.Interface
}

// NewNodeService creates a new node service
func NewNodeService(store storage.Store, registry *NodeRegistry, actions *NodeActions, probe HealthChecker, locks *NodeLocks, logger logger.Interface) *NodeService {
	return &NodeService{
		store:    store,
		registry: registry,
		actions:  actions,
		probe:    probe,
		locks:    locks,
		logger:   logger.WithField("service", "node"),
	}
}

// CreateNodeRequest represents the request to create a node
type CreateNodeRequest struct {
	Name           string          `json:"name" binding:"required"`
	Host           string          `json:"host" binding:"required"`
	Port           int             `json:"port"`
	SSHPort        int             `json:"ssh_port"`
	SSHUser        string          `json:"ssh_user"`
	CredentialsRef string          `json:"credentials_ref"`
	ServiceName    string          `json:"service_name"`
	Role           models.NodeRole `json:"role"`
	ClusterID      *uint           `json:"cluster_id,omitempty"`
	CPUCores       int             `json:"cpu_cores"`
	MemoryGB       float64         `json:"memory_gb"`
	DiskGB         float64         `json:"disk_gb"`
	Priority       *int            `json:"priority,omitempty"`
	Weight         *int            `json:"weight,omitempty"`
}

// UpdateNodeRequest represents the request to update a node. Status is not
// updatable here; it only changes through lifecycle actions.
type UpdateNodeRequest struct {
	Name           *string          `json:"name,omitempty"`
	Host           *string          `json:"host,omitempty"`
	Port           *int             `json:"port,omitempty"`
	SSHPort        *int             `json:"ssh_port,omitempty"`
	SSHUser        *string          `json:"ssh_user,omitempty"`
	CredentialsRef *string          `json:"credentials_ref,omitempty"`
	ServiceName    *string          `json:"service_name,omitempty"`
	Role           *models.NodeRole `json:"role,omitempty"`
	ClusterID      *uint            `json:"cluster_id,omitempty"`
	Unassign       bool             `json:"unassign,omitempty"`
	CPUCores       *int             `json:"cpu_cores,omitempty"`
	MemoryGB       *float64         `json:"memory_gb,omitempty"`
	DiskGB         *float64         `json:"disk_gb,omitempty"`
	Priority       *int             `json:"priority,omitempty"`
	Weight         *int             `json:"weight,omitempty"`
	ActiveLoad     *int             `json:"active_load,omitempty"`
}

// NodeListOptions represents options for listing nodes
type NodeListOptions struct {
	ClusterID  *uint
	Unassigned bool
	Status     models.NodeStatus
}

// List returns nodes matching opts
func (s *NodeService) List(opts NodeListOptions) ([]models.Node, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, errors.NewValidationError("status", opts.Status, "unknown node status")
	}
	nodes, err := s.store.ListNodes(storage.NodeFilter{
		ClusterID:  opts.ClusterID,
		Unassigned: opts.Unassigned,
		Status:     opts.Status,
	})
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch nodes")
		return nil, err
	}

	s.logger.WithField("count", len(nodes)).Debug("Fetched nodes")
	return nodes, nil
}

// GetByID returns a node by ID
func (s *NodeService) GetByID(id uint) (*models.Node, error) {
	return s.store.GetNode(id)
}

// Create registers a new node. Nodes start Offline.
func (s *NodeService) Create(req CreateNodeRequest) (*models.Node, error) {
	if err := validateEndpoint(req.Name, req.Host, req.Port, req.SSHPort); err != nil {
		return nil, err
	}
	if req.Role == "" {
		req.Role = models.NodeRoleMember
	}
	if !req.Role.Valid() {
		return nil, errors.NewValidationError("role", req.Role, "must be primary, backup or member")
	}
	if err := s.ensureCluster(req.ClusterID); err != nil {
		return nil, err
	}

	node := &models.Node{
		Name:           strings.TrimSpace(req.Name),
		Status:         models.NodeStatusOffline,
		Role:           req.Role,
		Host:           req.Host,
		Port:           req.Port,
		SSHPort:        req.SSHPort,
		SSHUser:        req.SSHUser,
		CredentialsRef: req.CredentialsRef,
		ServiceName:    req.ServiceName,
		CPUCores:       req.CPUCores,
		MemoryGB:       req.MemoryGB,
		DiskGB:         req.DiskGB,
		Priority:       models.DefaultPriority,
		Weight:         models.DefaultWeight,
		ClusterID:      req.ClusterID,
	}
	if node.SSHPort == 0 {
		node.SSHPort = models.DefaultSSHPort
	}
	if req.Priority != nil {
		node.Priority = *req.Priority
	}
	if req.Weight != nil {
		node.Weight = *req.Weight
	}

	if err := s.store.CreateNode(node); err != nil {
		s.logger.WithField("name", req.Name).WithError(err).Error("Failed to create node")
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"id":   node.ID,
		"name": node.Name,
		"host": node.Host,
	}).Info("Node created successfully")
	return node, nil
}

// Update updates an existing node
func (s *NodeService) Update(id uint, req UpdateNodeRequest) (*models.Node, error) {
	node, err := s.store.GetNode(id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		node.Name = strings.TrimSpace(*req.Name)
	}
	if req.Host != nil {
		node.Host = *req.Host
	}
	if req.Port != nil {
		node.Port = *req.Port
	}
	if req.SSHPort != nil {
		node.SSHPort = *req.SSHPort
	}
	if err := validateEndpoint(node.Name, node.Host, node.Port, node.SSHPort); err != nil {
		return nil, err
	}

	if req.SSHUser != nil {
		node.SSHUser = *req.SSHUser
	}
	if req.CredentialsRef != nil {
		node.CredentialsRef = *req.CredentialsRef
	}
	if req.ServiceName != nil {
		node.ServiceName = *req.ServiceName
	}
	if req.Role != nil {
		if !req.Role.Valid() {
			return nil, errors.NewValidationError("role", *req.Role, "must be primary, backup or member")
		}
		node.Role = *req.Role
	}
	switch {
	case req.Unassign:
		node.ClusterID = nil
	case req.ClusterID != nil:
		if err := s.ensureCluster(req.ClusterID); err != nil {
			return nil, err
		}
		node.ClusterID = req.ClusterID
	}
	if req.CPUCores != nil {
		node.CPUCores = *req.CPUCores
	}
	if req.MemoryGB != nil {
		node.MemoryGB = *req.MemoryGB
	}
	if req.DiskGB != nil {
		node.DiskGB = *req.DiskGB
	}
	if req.Priority != nil {
		node.Priority = *req.Priority
	}
	if req.Weight != nil {
		node.Weight = *req.Weight
	}
	if req.ActiveLoad != nil {
		if *req.ActiveLoad < 0 {
			return nil, errors.NewValidationError("active_load", *req.ActiveLoad, "must not be negative")
		}
		node.ActiveLoad = *req.ActiveLoad
	}

	if err := s.store.UpdateNode(node); err != nil {
		s.logger.WithField("id", id).WithError(err).Error("Failed to update node")
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"id":   node.ID,
		"name": node.Name,
	}).Info("Node updated successfully")
	return node, nil
}

// Delete deregisters a node. Nodes held by a deployment cannot be deleted.
func (s *NodeService) Delete(id uint) error {
	if holder, ok := s.locks.Holder(id); ok {
		return errors.Wrapf(ErrNodeBusy, "node %d is held by %s", id, holder)
	}
	if err := s.store.DeleteNode(id); err != nil {
		return err
	}

	s.logger.WithField("id", id).Info("Node deleted successfully")
	return nil
}

// Start starts an Offline or Error node
func (s *NodeService) Start(ctx context.Context, id uint) (*models.Node, error) {
	return s.withAction(ctx, id, "start", s.actions.Start)
}

// Stop stops an Online node
func (s *NodeService) Stop(ctx context.Context, id uint) (*models.Node, error) {
	return s.withAction(ctx, id, "stop", s.actions.Stop)
}

// Restart stops a serving node and starts it again
func (s *NodeService) Restart(ctx context.Context, id uint) (*models.Node, error) {
	return s.withAction(ctx, id, "restart", s.actions.Restart)
}

// SetMaintenance takes an idle node out of rotation, or returns it to Offline
func (s *NodeService) SetMaintenance(id uint, enabled bool) (*models.Node, error) {
	owner := "maintenance:" + uuid.NewString()
	if err := s.locks.TryLock(owner, id); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(owner, id)

	target := models.NodeStatusOffline
	if enabled {
		target = models.NodeStatusMaintenance
	}
	if err := s.registry.SetNodeStatus(id, target); err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"id":          id,
		"maintenance": enabled,
	}).Info("Node maintenance mode changed")
	return s.store.GetNode(id)
}

// Probe samples the node now and records the measurements
func (s *NodeService) Probe(ctx context.Context, id uint) (models.HealthSample, error) {
	node, err := s.store.GetNode(id)
	if err != nil {
		return models.HealthSample{}, err
	}

	sample := s.probe.Check(ctx, node)
	if err := s.registry.RecordHealth(sample); err != nil {
		return sample, err
	}
	return sample, nil
}

func (s *NodeService) withAction(ctx context.Context, id uint, name string, action func(context.Context, *models.Node) error) (*models.Node, error) {
	owner := "node:" + name + ":" + uuid.NewString()
	if err := s.locks.TryLock(owner, id); err != nil {
		return nil, err
	}
	defer s.locks.Unlock(owner, id)

	node, err := s.store.GetNode(id)
	if err != nil {
		return nil, err
	}
	if err := action(ctx, node); err != nil {
		return nil, err
	}
	return s.store.GetNode(id)
}

func (s *NodeService) ensureCluster(id *uint) error {
	if id == nil {
		return nil
	}
	if _, err := s.store.GetCluster(*id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errors.NewValidationError("cluster_id", *id, "cluster does not exist")
		}
		return err
	}
	return nil
}

func validateEndpoint(name, host string, port, sshPort int) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewValidationError("name", name, "is required")
	}
	if host == "" {
		return errors.NewValidationError("host", host, "is required")
	}
	if ip := net.ParseIP(host); ip == nil && strings.ContainsAny(host, " /:") {
		return errors.NewValidationError("host", host, "must be a hostname or IP address")
	}
	if port < 0 || port > 65535 {
		return errors.NewValidationError("port", port, "must be between 0 and 65535")
	}
	if sshPort < 0 || sshPort > 65535 {
		return errors.NewValidationError("ssh_port", sshPort, "must be between 0 and 65535")
	}
	return nil
}
