package models

import (
	"time"
)

// Deployment is a tracked, multi-step rollout of a payload across a set of nodes.
type Deployment struct {
	ID             uint             `json:"id" gorm:"primarykey"`
	ClusterID      *uint            `json:"cluster_id,omitempty" gorm:"index"`
	DeploymentType string           `json:"deployment_type" gorm:"not null"`
	Version        string           `json:"version"`
	Status         DeploymentStatus `json:"status" gorm:"default:'pending';index"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`

	// Progress. CompletedSteps never exceeds TotalSteps.
	TotalSteps     int    `json:"total_steps"`
	CompletedSteps int    `json:"completed_steps"`
	CurrentStep    string `json:"current_step"`

	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Success      *bool      `json:"success,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty" gorm:"type:text"`
	InitiatedBy  string     `json:"initiated_by"`

	Payload         Payload  `json:"payload" gorm:"type:text;serializer:json"`
	RollbackPayload *Payload `json:"rollback_payload,omitempty" gorm:"type:text;serializer:json"`
	// RollbackOf points at the failed deployment this run restores.
	RollbackOf *uint `json:"rollback_of,omitempty" gorm:"index"`

	Targets []DeploymentTarget `json:"targets,omitempty" gorm:"foreignKey:DeploymentID"`
	Logs    []DeploymentLog    `json:"logs,omitempty" gorm:"foreignKey:DeploymentID"`
}

// DeploymentStatus defines the rollout states
type DeploymentStatus string

const (
	DeploymentStatusPending    DeploymentStatus = "pending"
	DeploymentStatusInProgress DeploymentStatus = "in_progress"
	DeploymentStatusCompleted  DeploymentStatus = "completed"
	DeploymentStatusFailed     DeploymentStatus = "failed"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentStatusPending:    {DeploymentStatusInProgress, DeploymentStatusFailed},
	DeploymentStatusInProgress: {DeploymentStatusCompleted, DeploymentStatusFailed},
	DeploymentStatusFailed:     {DeploymentStatusRolledBack},
}

// CanTransition reports whether a deployment may move from s to next.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	for _, allowed := range deploymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true once no further progress will be made by the
// orchestrator. Failed is terminal for the run even though an explicit
// rollback may still mark it RolledBack.
func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentStatusCompleted || s == DeploymentStatusFailed || s == DeploymentStatusRolledBack
}

// Progress returns completed/total in the range [0,1].
func (d *Deployment) Progress() float64 {
	if d.TotalSteps == 0 {
		return 0
	}
	return float64(d.CompletedSteps) / float64(d.TotalSteps)
}

// NodeIDs returns target node ids in rollout order.
func (d *Deployment) NodeIDs() []uint {
	ids := make([]uint, len(d.Targets))
	for i, t := range d.Targets {
		ids[i] = t.NodeID
	}
	return ids
}

// TableName returns the table name for the Deployment model
func (Deployment) TableName() string {
	return "deployments"
}

// DeploymentTarget binds a node to a deployment at a fixed position.
type DeploymentTarget struct {
	ID           uint `json:"-" gorm:"primarykey"`
	DeploymentID uint `json:"deployment_id" gorm:"index;not null"`
	NodeID       uint `json:"node_id" gorm:"index;not null"`
	Ordinal      int  `json:"ordinal"`
}

// TableName returns the table name for the DeploymentTarget model
func (DeploymentTarget) TableName() string {
	return "deployment_targets"
}

// Step names recorded in deployment logs.
const (
	StepStop   = "stop"
	StepUpdate = "update"
	StepStart  = "start"
)

// StepsPerNode is the number of progress units each target contributes.
const StepsPerNode = 3

// DeploymentLog is an append-only record of one executed step.
type DeploymentLog struct {
	ID           uint      `json:"-" gorm:"primarykey"`
	DeploymentID uint      `json:"deployment_id" gorm:"index;not null"`
	NodeID       uint      `json:"node_id"`
	Step         string    `json:"step"`
	OK           bool      `json:"ok"`
	Message      string    `json:"message" gorm:"type:text"`
	CreatedAt    time.Time `json:"timestamp"`
}

// TableName returns the table name for the DeploymentLog model
func (DeploymentLog) TableName() string {
	return "deployment_logs"
}

// Payload is what the update step applies to a node.
type Payload struct {
	Version  string        `json:"version,omitempty"`
	Files    []PayloadFile `json:"files,omitempty"`
	Artifact *ArtifactRef  `json:"artifact,omitempty"`
	Commands []string      `json:"commands,omitempty"`
}

// IsEmpty reports whether applying the payload would do nothing.
func (p Payload) IsEmpty() bool {
	return len(p.Files) == 0 && p.Artifact == nil && len(p.Commands) == 0
}

// PayloadFile is an inline file written to the node.
type PayloadFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    uint32 `json:"mode,omitempty"`
}

// ArtifactRef points at an object in the artifact store.
type ArtifactRef struct {
	Bucket      string `json:"bucket"`
	Object      string `json:"object"`
	Destination string `json:"destination"`
	Mode        uint32 `json:"mode,omitempty"`
}
