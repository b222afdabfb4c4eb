package storage

import (
	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"gorm.io/gorm"
)

// CreateCluster creates a new cluster in the database
func (d *Database) CreateCluster(cluster *models.Cluster) error {
	if err := d.db.Create(cluster).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Wrapf(errors.ErrAlreadyExists, "cluster %q", cluster.Name)
		}
		return errors.NewDatabaseError("create cluster", err)
	}
	return nil
}

// GetCluster retrieves a cluster by ID
func (d *Database) GetCluster(id uint) (*models.Cluster, error) {
	var cluster models.Cluster
	if err := d.db.First(&cluster, id).Error; err != nil {
		return nil, notFound(err, "cluster", id)
	}
	return &cluster, nil
}

// ListClusters retrieves all clusters ordered by name
func (d *Database) ListClusters() ([]models.Cluster, error) {
	var clusters []models.Cluster
	if err := d.db.Order("name").Find(&clusters).Error; err != nil {
		return nil, errors.NewDatabaseError("list clusters", err)
	}
	return clusters, nil
}

// ListAutoScalingClusters returns the clusters the control loop evaluates
func (d *Database) ListAutoScalingClusters() ([]models.Cluster, error) {
	var clusters []models.Cluster
	if err := d.db.Where("auto_scaling_enabled = ?", true).Order("id").Find(&clusters).Error; err != nil {
		return nil, errors.NewDatabaseError("list auto-scaling clusters", err)
	}
	return clusters, nil
}

// UpdateCluster saves every column of the cluster
func (d *Database) UpdateCluster(cluster *models.Cluster) error {
	if err := d.db.Save(cluster).Error; err != nil {
		return errors.NewDatabaseError("update cluster", err)
	}
	return nil
}

// DeleteCluster soft-deletes a cluster and drops its load-balancer rules
func (d *Database) DeleteCluster(id uint) error {
	return d.WithTx(func(tx *gorm.DB) error {
		res := tx.Delete(&models.Cluster{}, id)
		if res.Error != nil {
			return errors.NewDatabaseError("delete cluster", res.Error)
		}
		if res.RowsAffected == 0 {
			return errors.Wrapf(errors.ErrNotFound, "cluster %d", id)
		}
		if err := tx.Where("cluster_id = ?", id).Delete(&models.LoadBalancerRule{}).Error; err != nil {
			return errors.NewDatabaseError("delete load balancer rules", err)
		}
		return nil
	})
}

// GetLoadBalancerRule returns the cluster's rule, or the defaults if none is stored
func (d *Database) GetLoadBalancerRule(clusterID uint) (*models.LoadBalancerRule, error) {
	var rule models.LoadBalancerRule
	err := d.db.Where("cluster_id = ?", clusterID).Order("id").First(&rule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		def := models.DefaultLoadBalancerRule(clusterID)
		return &def, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get load balancer rule", err)
	}
	return &rule, nil
}

// SaveLoadBalancerRule inserts or replaces the cluster's rule
func (d *Database) SaveLoadBalancerRule(rule *models.LoadBalancerRule) error {
	return d.WithTx(func(tx *gorm.DB) error {
		if rule.ID == 0 {
			var existing models.LoadBalancerRule
			err := tx.Where("cluster_id = ?", rule.ClusterID).First(&existing).Error
			if err == nil {
				rule.ID = existing.ID
				rule.CreatedAt = existing.CreatedAt
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NewDatabaseError("get load balancer rule", err)
			}
		}
		if err := tx.Save(rule).Error; err != nil {
			return errors.NewDatabaseError("save load balancer rule", err)
		}
		return nil
	})
}
