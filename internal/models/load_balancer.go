package models

import "time"

// LoadBalancerRule configures how traffic is spread over a cluster's nodes.
type LoadBalancerRule struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	ClusterID uint      `json:"cluster_id" gorm:"index;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Algorithm              BalanceAlgorithm `json:"algorithm"`
	HealthCheckIntervalSec int              `json:"health_check_interval_sec"`
	TimeoutSec             int              `json:"timeout_sec"`
	FailureThreshold       int              `json:"failure_threshold"`
	MaxLoadDifference      int              `json:"max_load_difference"`
	Enabled                bool             `json:"enabled"`
}

// BalanceAlgorithm selects a load-balancing strategy
type BalanceAlgorithm string

const (
	BalanceRoundRobin   BalanceAlgorithm = "round_robin"
	BalanceLeastPlayers BalanceAlgorithm = "least_players"
	BalanceWeighted     BalanceAlgorithm = "weighted"
)

// Valid reports whether a is a known algorithm.
func (a BalanceAlgorithm) Valid() bool {
	return a == BalanceRoundRobin || a == BalanceLeastPlayers || a == BalanceWeighted
}

// DefaultLoadBalancerRule returns the rule a cluster gets when none is stored.
func DefaultLoadBalancerRule(clusterID uint) LoadBalancerRule {
	return LoadBalancerRule{
		ClusterID:              clusterID,
		Algorithm:              BalanceRoundRobin,
		HealthCheckIntervalSec: 30,
		TimeoutSec:             5,
		FailureThreshold:       3,
		MaxLoadDifference:      5,
		Enabled:                true,
	}
}

// TableName returns the table name for the LoadBalancerRule model
func (LoadBalancerRule) TableName() string {
	return "load_balancer_rules"
}
