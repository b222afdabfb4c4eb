package storage

import (
	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateNode registers a node
func (d *Database) CreateNode(node *models.Node) error {
	if err := d.db.Create(node).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Wrapf(errors.ErrAlreadyExists, "node %q", node.Name)
		}
		return errors.NewDatabaseError("create node", err)
	}
	return nil
}

// GetNode retrieves a node by ID
func (d *Database) GetNode(id uint) (*models.Node, error) {
	var node models.Node
	if err := d.db.First(&node, id).Error; err != nil {
		return nil, notFound(err, "node", id)
	}
	return &node, nil
}

// FindNodeByHost looks a node up by its endpoint host
func (d *Database) FindNodeByHost(host string) (*models.Node, error) {
	var node models.Node
	if err := d.db.Where("host = ?", host).First(&node).Error; err != nil {
		return nil, notFound(err, "node with host", host)
	}
	return &node, nil
}

// ListNodes returns nodes matching filter ordered by ID
func (d *Database) ListNodes(filter NodeFilter) ([]models.Node, error) {
	q := d.db.Model(&models.Node{})
	switch {
	case filter.ClusterID != nil:
		q = q.Where("cluster_id = ?", *filter.ClusterID)
	case filter.Unassigned:
		q = q.Where("cluster_id IS NULL")
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	var nodes []models.Node
	if err := q.Order("id").Find(&nodes).Error; err != nil {
		return nil, errors.NewDatabaseError("list nodes", err)
	}
	return nodes, nil
}

// ListNodesInCluster returns the cluster's members ordered by ID
func (d *Database) ListNodesInCluster(clusterID uint) ([]models.Node, error) {
	return d.ListNodes(NodeFilter{ClusterID: &clusterID})
}

// UpdateNode saves descriptive node fields. Status is owned by
// CompareAndSetNodeStatus and is never written here.
func (d *Database) UpdateNode(node *models.Node) error {
	res := d.db.Model(node).Select("*").Omit("id", "status", "created_at", "deleted_at", clause.Associations).Updates(node)
	if res.Error != nil {
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return errors.Wrapf(errors.ErrAlreadyExists, "node %q", node.Name)
		}
		return errors.NewDatabaseError("update node", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "node %d", node.ID)
	}
	return nil
}

// DeleteNode soft-deletes a node
func (d *Database) DeleteNode(id uint) error {
	res := d.db.Delete(&models.Node{}, id)
	if res.Error != nil {
		return errors.NewDatabaseError("delete node", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "node %d", id)
	}
	return nil
}

// CompareAndSetNodeStatus moves a node to status `to` only if its current
// status is one of `from` (any status when from is empty). It reports
// whether the row was changed.
func (d *Database) CompareAndSetNodeStatus(id uint, from []models.NodeStatus, to models.NodeStatus) (bool, error) {
	q := d.db.Model(&models.Node{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	}

	res := q.Update("status", to)
	if res.Error != nil {
		return false, errors.NewDatabaseError("set node status", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	if _, err := d.GetNode(id); err != nil {
		return false, err
	}
	return false, nil
}

// RecordNodeHealth mirrors the latest sample onto the node row
func (d *Database) RecordNodeHealth(id uint, sample models.HealthSample) error {
	observed := sample.ObservedAt
	res := d.db.Model(&models.Node{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_health_check": &observed,
		"response_time_ms":  sample.ResponseTimeMs,
		"cpu_percent":       sample.CPUPercent,
		"memory_percent":    sample.MemoryPercent,
		"uptime_seconds":    sample.UptimeSeconds,
	})
	if res.Error != nil {
		return errors.NewDatabaseError("record node health", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "node %d", id)
	}
	return nil
}
