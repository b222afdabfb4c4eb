package storage

import (
	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"gorm.io/gorm"
)

// CreateDeployment inserts the deployment together with its targets
func (d *Database) CreateDeployment(deployment *models.Deployment) error {
	if err := d.db.Create(deployment).Error; err != nil {
		return errors.NewDatabaseError("create deployment", err)
	}
	return nil
}

// GetDeployment loads a deployment with its targets and, optionally, its step log
func (d *Database) GetDeployment(id uint, withLogs bool) (*models.Deployment, error) {
	q := d.db.Preload("Targets", func(db *gorm.DB) *gorm.DB {
		return db.Order("ordinal")
	})
	if withLogs {
		q = q.Preload("Logs", func(db *gorm.DB) *gorm.DB {
			return db.Order("id")
		})
	}

	var deployment models.Deployment
	if err := q.First(&deployment, id).Error; err != nil {
		return nil, notFound(err, "deployment", id)
	}
	return &deployment, nil
}

// ListDeployments returns deployments newest first
func (d *Database) ListDeployments(filter DeploymentFilter) ([]models.Deployment, error) {
	q := d.db.Preload("Targets", func(db *gorm.DB) *gorm.DB {
		return db.Order("ordinal")
	})
	if filter.ClusterID != nil {
		q = q.Where("cluster_id = ?", *filter.ClusterID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var deployments []models.Deployment
	if err := q.Order("id DESC").Find(&deployments).Error; err != nil {
		return nil, errors.NewDatabaseError("list deployments", err)
	}
	return deployments, nil
}

// TransitionDeployment moves a deployment from one status to another and
// writes fields in the same statement. It reports false when the
// deployment was not in the expected status.
func (d *Database) TransitionDeployment(id uint, from, to models.DeploymentStatus, fields map[string]interface{}) (bool, error) {
	if !from.CanTransition(to) {
		return false, errors.NewValidationError("status", to, "transition from "+string(from)+" not allowed")
	}

	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		updates[k] = v
	}
	updates["status"] = to

	res := d.db.Model(&models.Deployment{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, errors.NewDatabaseError("transition deployment", res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	if _, err := d.GetDeployment(id, false); err != nil {
		return false, err
	}
	return false, nil
}

// SetDeploymentStep records the step description pollers see
func (d *Database) SetDeploymentStep(id uint, description string) error {
	err := d.db.Model(&models.Deployment{}).
		Where("id = ?", id).
		Update("current_step", description).Error
	if err != nil {
		return errors.NewDatabaseError("set deployment step", err)
	}
	return nil
}

// IncrementDeploymentSteps advances completed_steps by one, never past
// total_steps. It reports whether the counter moved.
func (d *Database) IncrementDeploymentSteps(id uint) (bool, error) {
	res := d.db.Model(&models.Deployment{}).
		Where("id = ? AND completed_steps < total_steps", id).
		Update("completed_steps", gorm.Expr("completed_steps + ?", 1))
	if res.Error != nil {
		return false, errors.NewDatabaseError("increment deployment steps", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// AppendDeploymentLog adds one step log entry
func (d *Database) AppendDeploymentLog(entry *models.DeploymentLog) error {
	if err := d.db.Create(entry).Error; err != nil {
		return errors.NewDatabaseError("append deployment log", err)
	}
	return nil
}

// LastCompletedPayload returns the payload of the newest completed
// deployment that covered every node in nodeIDs, or nil if there is none.
func (d *Database) LastCompletedPayload(nodeIDs []uint) (*models.Payload, error) {
	if len(nodeIDs) == 0 {
		return nil, nil
	}

	covering := d.db.Model(&models.DeploymentTarget{}).
		Select("deployment_id").
		Where("node_id IN ?", nodeIDs).
		Group("deployment_id").
		Having("COUNT(DISTINCT node_id) = ?", len(nodeIDs))

	var deployment models.Deployment
	err := d.db.Where("status = ? AND id IN (?)", models.DeploymentStatusCompleted, covering).
		Order("id DESC").
		First(&deployment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.NewDatabaseError("find last completed deployment", err)
	}
	return &deployment.Payload, nil
}
