package models

import (
	"time"

	"gorm.io/gorm"
)

// Cluster is a named group of nodes managed under one scaling and
// failover policy.
type Cluster struct {
	ID          uint           `json:"id" gorm:"primarykey"`
	Name        string         `json:"name" gorm:"uniqueIndex;not null"`
	Description string         `json:"description"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`

	// Placement tags
	Region      string `json:"region"`
	Datacenter  string `json:"datacenter"`
	NetworkZone string `json:"network_zone"`

	// Policy flags
	LoadBalancerEnabled bool `json:"load_balancer_enabled"`
	AutoFailoverEnabled bool `json:"auto_failover_enabled"`
	AutoScalingEnabled  bool `json:"auto_scaling_enabled"`

	// Capacity bounds and scaling target
	MinNodes             int     `json:"min_nodes"`
	MaxNodes             int     `json:"max_nodes"`
	TargetCPUUtilization float64 `json:"target_cpu_utilization"`

	// Relationships
	Nodes             []Node             `json:"nodes,omitempty" gorm:"foreignKey:ClusterID"`
	LoadBalancerRules []LoadBalancerRule `json:"load_balancer_rules,omitempty" gorm:"foreignKey:ClusterID"`
}

const (
	DefaultMinNodes             = 1
	DefaultMaxNodes             = 10
	DefaultTargetCPUUtilization = 70.0
)

// ApplyDefaults fills zero-valued capacity fields.
func (c *Cluster) ApplyDefaults() {
	if c.MaxNodes == 0 {
		c.MaxNodes = DefaultMaxNodes
	}
	if c.TargetCPUUtilization == 0 {
		c.TargetCPUUtilization = DefaultTargetCPUUtilization
	}
}

// ScaleDownThreshold is the average CPU below which the cluster may shed a node.
func (c *Cluster) ScaleDownThreshold() float64 {
	return c.TargetCPUUtilization * 0.5
}

// TableName returns the table name for the Cluster model
func (Cluster) TableName() string {
	return "clusters"
}
