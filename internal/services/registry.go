package services

import (
	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

// allowedFrom lists, for each target status, the statuses a node may move
// from. Starting and Stopping are only entered through lifecycle actions.
var allowedFrom = map[models.NodeStatus][]models.NodeStatus{
	models.NodeStatusStarting:    {models.NodeStatusOffline, models.NodeStatusError},
	models.NodeStatusOnline:      {models.NodeStatusStarting},
	models.NodeStatusStopping:    {models.NodeStatusOnline},
	models.NodeStatusOffline:     {models.NodeStatusStopping, models.NodeStatusMaintenance},
	models.NodeStatusError:       {models.NodeStatusStarting, models.NodeStatusStopping},
	models.NodeStatusMaintenance: {models.NodeStatusOffline, models.NodeStatusError},
}

// CanTransitionNode reports whether the lifecycle allows from -> to
func CanTransitionNode(from, to models.NodeStatus) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// NodeRegistry is the single writer of node status. Every status change is
// a compare-and-set against the transition table, so concurrent callers
// racing for the same transition see exactly one winner.
type NodeRegistry struct {
	store  storage.Store
	logger logger.Interface
}

// NewNodeRegistry creates a node registry
func NewNodeRegistry(store storage.Store, logger logger.Interface) *NodeRegistry {
	return &NodeRegistry{
		store:  store,
		logger: logger.WithField("service", "registry"),
	}
}

// ListNodesInCluster returns the cluster's nodes ordered by ID
func (r *NodeRegistry) ListNodesInCluster(clusterID uint) ([]models.Node, error) {
	return r.store.ListNodesInCluster(clusterID)
}

// GetNode returns a node by ID
func (r *NodeRegistry) GetNode(id uint) (*models.Node, error) {
	return r.store.GetNode(id)
}

// SetNodeStatus moves node id to status. It fails with ErrInvalidTransition
// when the node's current status does not permit the change.
func (r *NodeRegistry) SetNodeStatus(id uint, status models.NodeStatus) error {
	from, ok := allowedFrom[status]
	if !ok {
		return errors.NewValidationError("status", status, "unknown node status")
	}

	changed, err := r.store.CompareAndSetNodeStatus(id, from, status)
	if err != nil {
		return err
	}
	if !changed {
		current := models.NodeStatus("unknown")
		if node, err := r.store.GetNode(id); err == nil {
			current = node.Status
		}
		return errors.Wrapf(ErrInvalidTransition, "node %d: %s -> %s", id, current, status)
	}

	r.logger.WithFields(map[string]interface{}{
		"node_id": id,
		"status":  status,
	}).Debug("Node status changed")
	return nil
}

// RecordHealth persists a sample's measurements on the node. Status is
// left alone; an unreachable node is excluded from stats, not demoted.
func (r *NodeRegistry) RecordHealth(sample models.HealthSample) error {
	return r.store.RecordNodeHealth(sample.NodeID, sample)
}
