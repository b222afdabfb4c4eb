package services

import (
	"sort"
	"strings"
	"time"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

// balanceTolerance is how far a node's load may stray from the cluster
// average before it is rebalanced.
const balanceTolerance = 3

// StatsSource provides the most recent controller-computed stats
type StatsSource interface {
	LastStats(clusterID uint) (models.ClusterStats, bool)
}

// DefaultStalenessWindow is how old a stored health sample may be before it
// stops counting toward cluster stats.
const DefaultStalenessWindow = 60 * time.Second

// ClusterService is the service for managing clusters
type ClusterService struct {
	store      storage.Store
	stats      StatsSource
	staleAfter time.Duration
	log        logger.Interface
	now        func() time.Time
}

// NewClusterService creates a new ClusterService. stats may be nil, in
// which case status is computed from the nodes' stored measurements.
func NewClusterService(store storage.Store, stats StatsSource, log logger.Interface) *ClusterService {
	return &ClusterService{
		store:      store,
		stats:      stats,
		staleAfter: DefaultStalenessWindow,
		log:        log.WithField("service", "cluster"),
		now:        time.Now,
	}
}

// WithStalenessWindow sets how old a stored sample may be and still count
// toward stats computed from stored measurements.
func (s *ClusterService) WithStalenessWindow(window time.Duration) *ClusterService {
	if window > 0 {
		s.staleAfter = window
	}
	return s
}

// CreateClusterRequest is the request to create a cluster
type CreateClusterRequest struct {
	Name                 string   `json:"name" binding:"required"`
	Description          string   `json:"description"`
	Region               string   `json:"region"`
	Datacenter           string   `json:"datacenter"`
	NetworkZone          string   `json:"network_zone"`
	LoadBalancerEnabled  bool     `json:"load_balancer_enabled"`
	AutoFailoverEnabled  bool     `json:"auto_failover_enabled"`
	AutoScalingEnabled   bool     `json:"auto_scaling_enabled"`
	MinNodes             *int     `json:"min_nodes,omitempty"`
	MaxNodes             *int     `json:"max_nodes,omitempty"`
	TargetCPUUtilization *float64 `json:"target_cpu_utilization,omitempty"`
}

// Create creates a new cluster
func (s *ClusterService) Create(req CreateClusterRequest) (*models.Cluster, error) {
	cluster := &models.Cluster{
		Name:                 strings.TrimSpace(req.Name),
		Description:          req.Description,
		Region:               req.Region,
		Datacenter:           req.Datacenter,
		NetworkZone:          req.NetworkZone,
		LoadBalancerEnabled:  req.LoadBalancerEnabled,
		AutoFailoverEnabled:  req.AutoFailoverEnabled,
		AutoScalingEnabled:   req.AutoScalingEnabled,
		MinNodes:             models.DefaultMinNodes,
		MaxNodes:             models.DefaultMaxNodes,
		TargetCPUUtilization: models.DefaultTargetCPUUtilization,
	}
	if req.MinNodes != nil {
		cluster.MinNodes = *req.MinNodes
	}
	if req.MaxNodes != nil {
		cluster.MaxNodes = *req.MaxNodes
	}
	if req.TargetCPUUtilization != nil {
		cluster.TargetCPUUtilization = *req.TargetCPUUtilization
	}
	if err := validateCluster(cluster); err != nil {
		return nil, err
	}

	if err := s.store.CreateCluster(cluster); err != nil {
		s.log.WithField("name", cluster.Name).WithError(err).Error("Failed to create cluster")
		return nil, err
	}

	s.log.WithFields(map[string]interface{}{
		"id":   cluster.ID,
		"name": cluster.Name,
	}).Info("Cluster created successfully")
	return cluster, nil
}

// UpdateClusterRequest is the request to update a cluster
type UpdateClusterRequest struct {
	Name                 *string  `json:"name,omitempty"`
	Description          *string  `json:"description,omitempty"`
	Region               *string  `json:"region,omitempty"`
	Datacenter           *string  `json:"datacenter,omitempty"`
	NetworkZone          *string  `json:"network_zone,omitempty"`
	LoadBalancerEnabled  *bool    `json:"load_balancer_enabled,omitempty"`
	AutoFailoverEnabled  *bool    `json:"auto_failover_enabled,omitempty"`
	AutoScalingEnabled   *bool    `json:"auto_scaling_enabled,omitempty"`
	MinNodes             *int     `json:"min_nodes,omitempty"`
	MaxNodes             *int     `json:"max_nodes,omitempty"`
	TargetCPUUtilization *float64 `json:"target_cpu_utilization,omitempty"`
}

// Update updates a cluster
func (s *ClusterService) Update(id uint, req UpdateClusterRequest) (*models.Cluster, error) {
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		cluster.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		cluster.Description = *req.Description
	}
	if req.Region != nil {
		cluster.Region = *req.Region
	}
	if req.Datacenter != nil {
		cluster.Datacenter = *req.Datacenter
	}
	if req.NetworkZone != nil {
		cluster.NetworkZone = *req.NetworkZone
	}
	if req.LoadBalancerEnabled != nil {
		cluster.LoadBalancerEnabled = *req.LoadBalancerEnabled
	}
	if req.AutoFailoverEnabled != nil {
		cluster.AutoFailoverEnabled = *req.AutoFailoverEnabled
	}
	if req.AutoScalingEnabled != nil {
		cluster.AutoScalingEnabled = *req.AutoScalingEnabled
	}
	if req.MinNodes != nil {
		cluster.MinNodes = *req.MinNodes
	}
	if req.MaxNodes != nil {
		cluster.MaxNodes = *req.MaxNodes
	}
	if req.TargetCPUUtilization != nil {
		cluster.TargetCPUUtilization = *req.TargetCPUUtilization
	}
	if err := validateCluster(cluster); err != nil {
		return nil, err
	}

	if err := s.store.UpdateCluster(cluster); err != nil {
		return nil, err
	}

	s.log.WithField("id", id).Info("Cluster updated successfully")
	return cluster, nil
}

// Delete deletes a cluster. A cluster that still has nodes cannot be deleted.
func (s *ClusterService) Delete(id uint) error {
	nodes, err := s.store.ListNodesInCluster(id)
	if err != nil {
		return err
	}
	if len(nodes) > 0 {
		return errors.Wrapf(ErrHasAssociatedResources, "cluster %d has %d nodes", id, len(nodes))
	}
	if err := s.store.DeleteCluster(id); err != nil {
		return err
	}

	s.log.WithField("id", id).Info("Cluster deleted successfully")
	return nil
}

// List lists clusters
func (s *ClusterService) List() ([]models.Cluster, error) {
	return s.store.ListClusters()
}

// GetByID gets a cluster by ID
func (s *ClusterService) GetByID(id uint) (*models.Cluster, error) {
	return s.store.GetCluster(id)
}

// ClusterStatus is the operator view of a cluster
type ClusterStatus struct {
	Cluster     *models.Cluster     `json:"cluster"`
	Nodes       []models.Node       `json:"nodes"`
	Stats       models.ClusterStats `json:"stats"`
	TotalLoad   int                 `json:"total_load"`
	OnlineNodes int                 `json:"online_nodes"`
	TotalNodes  int                 `json:"total_nodes"`
}

// GetClusterStatus returns the cluster, its nodes and the latest stats
func (s *ClusterService) GetClusterStatus(id uint) (*ClusterStatus, error) {
	cluster, err := s.store.GetCluster(id)
	if err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodesInCluster(id)
	if err != nil {
		return nil, err
	}

	var (
		stats models.ClusterStats
		ok    bool
	)
	if s.stats != nil {
		stats, ok = s.stats.LastStats(id)
	}
	if !ok {
		now := s.now().UTC()
		stats = ComputeStats(id, nodes, storedSamples(nodes, now, s.staleAfter), now)
	}

	status := &ClusterStatus{
		Cluster:    cluster,
		Nodes:      nodes,
		Stats:      stats,
		TotalNodes: len(nodes),
	}
	for _, n := range nodes {
		if n.IsOnline() {
			status.OnlineNodes++
			status.TotalLoad += n.ActiveLoad
		}
	}
	return status, nil
}

// LoadMove suggests shifting load from one node to another
type LoadMove struct {
	FromNodeID uint `json:"from_node_id"`
	ToNodeID   uint `json:"to_node_id"`
	Amount     int  `json:"amount"`
}

// BalanceRecommendation is an advisory rebalancing plan. It is never executed.
type BalanceRecommendation struct {
	ClusterID     uint       `json:"cluster_id"`
	Balanced      bool       `json:"balanced"`
	TargetPerNode int        `json:"target_per_node"`
	Overloaded    []uint     `json:"overloaded"`
	Underloaded   []uint     `json:"underloaded"`
	Moves         []LoadMove `json:"moves"`
}

// BalanceRecommendation computes which online nodes carry too much or too
// little load compared to the cluster average. It needs at least two
// online nodes.
func (s *ClusterService) BalanceRecommendation(id uint) (*BalanceRecommendation, error) {
	if _, err := s.store.GetCluster(id); err != nil {
		return nil, err
	}
	nodes, err := s.store.ListNodes(storage.NodeFilter{ClusterID: &id, Status: models.NodeStatusOnline})
	if err != nil {
		return nil, err
	}
	if len(nodes) < 2 {
		return nil, errors.NewValidationError("cluster_id", id, "at least two online nodes are required for balancing")
	}

	total := 0
	for _, n := range nodes {
		total += n.ActiveLoad
	}
	target := total / len(nodes)

	type slot struct {
		id   uint
		diff int
	}
	var donors, receivers []slot
	rec := &BalanceRecommendation{ClusterID: id, TargetPerNode: target}
	for _, n := range nodes {
		switch {
		case n.ActiveLoad > target+balanceTolerance:
			rec.Overloaded = append(rec.Overloaded, n.ID)
			donors = append(donors, slot{n.ID, n.ActiveLoad - target})
		case n.ActiveLoad < target-balanceTolerance:
			rec.Underloaded = append(rec.Underloaded, n.ID)
			receivers = append(receivers, slot{n.ID, target - n.ActiveLoad})
		}
	}
	sort.Slice(donors, func(i, j int) bool { return donors[i].diff > donors[j].diff })
	sort.Slice(receivers, func(i, j int) bool { return receivers[i].diff > receivers[j].diff })

	for i, j := 0, 0; i < len(donors) && j < len(receivers); {
		amount := donors[i].diff
		if receivers[j].diff < amount {
			amount = receivers[j].diff
		}
		rec.Moves = append(rec.Moves, LoadMove{FromNodeID: donors[i].id, ToNodeID: receivers[j].id, Amount: amount})
		donors[i].diff -= amount
		receivers[j].diff -= amount
		if donors[i].diff == 0 {
			i++
		}
		if receivers[j].diff == 0 {
			j++
		}
	}

	rec.Balanced = len(rec.Overloaded) == 0 && len(rec.Underloaded) == 0
	return rec, nil
}

// GetLoadBalancerRule returns the cluster's load-balancer rule
func (s *ClusterService) GetLoadBalancerRule(id uint) (*models.LoadBalancerRule, error) {
	if _, err := s.store.GetCluster(id); err != nil {
		return nil, err
	}
	return s.store.GetLoadBalancerRule(id)
}

// SaveLoadBalancerRule validates and stores the cluster's rule
func (s *ClusterService) SaveLoadBalancerRule(id uint, rule models.LoadBalancerRule) (*models.LoadBalancerRule, error) {
	if _, err := s.store.GetCluster(id); err != nil {
		return nil, err
	}
	rule.ClusterID = id
	if rule.Algorithm == "" {
		rule.Algorithm = models.BalanceRoundRobin
	}
	if !rule.Algorithm.Valid() {
		return nil, errors.NewValidationError("algorithm", rule.Algorithm, "must be round_robin, least_players or weighted")
	}
	if rule.HealthCheckIntervalSec < 0 || rule.TimeoutSec < 0 || rule.FailureThreshold < 0 || rule.MaxLoadDifference < 0 {
		return nil, errors.NewValidationError("rule", rule, "intervals and thresholds must not be negative")
	}

	if err := s.store.SaveLoadBalancerRule(&rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

func validateCluster(c *models.Cluster) error {
	if c.Name == "" {
		return errors.NewValidationError("name", c.Name, "is required")
	}
	if c.MinNodes < 0 {
		return errors.NewValidationError("min_nodes", c.MinNodes, "must not be negative")
	}
	if c.MaxNodes < 1 {
		return errors.NewValidationError("max_nodes", c.MaxNodes, "must be at least 1")
	}
	if c.MinNodes > c.MaxNodes {
		return errors.NewValidationError("min_nodes", c.MinNodes, "must not exceed max_nodes")
	}
	if c.TargetCPUUtilization <= 0 || c.TargetCPUUtilization > 100 {
		return errors.NewValidationError("target_cpu_utilization", c.TargetCPUUtilization, "must be within (0, 100]")
	}
	return nil
}
