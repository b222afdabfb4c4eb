package storage

import "github.com/dsyorkd/fleet-controller/internal/models"

// Store is the persistence boundary used by the services. Status and
// progress updates are single conditional UPDATE statements so concurrent
// writers never lose an update.
type Store interface {
	CreateCluster(cluster *models.Cluster) error
	GetCluster(id uint) (*models.Cluster, error)
	ListClusters() ([]models.Cluster, error)
	ListAutoScalingClusters() ([]models.Cluster, error)
	UpdateCluster(cluster *models.Cluster) error
	DeleteCluster(id uint) error
	GetLoadBalancerRule(clusterID uint) (*models.LoadBalancerRule, error)
	SaveLoadBalancerRule(rule *models.LoadBalancerRule) error

	CreateNode(node *models.Node) error
	GetNode(id uint) (*models.Node, error)
	FindNodeByHost(host string) (*models.Node, error)
	ListNodes(filter NodeFilter) ([]models.Node, error)
	ListNodesInCluster(clusterID uint) ([]models.Node, error)
	UpdateNode(node *models.Node) error
	DeleteNode(id uint) error
	CompareAndSetNodeStatus(id uint, from []models.NodeStatus, to models.NodeStatus) (bool, error)
	RecordNodeHealth(id uint, sample models.HealthSample) error

	CreateDeployment(deployment *models.Deployment) error
	GetDeployment(id uint, withLogs bool) (*models.Deployment, error)
	ListDeployments(filter DeploymentFilter) ([]models.Deployment, error)
	TransitionDeployment(id uint, from, to models.DeploymentStatus, fields map[string]interface{}) (bool, error)
	SetDeploymentStep(id uint, description string) error
	IncrementDeploymentSteps(id uint) (bool, error)
	AppendDeploymentLog(entry *models.DeploymentLog) error
	LastCompletedPayload(nodeIDs []uint) (*models.Payload, error)

	Health() error
	Close() error
}

// NodeFilter narrows ListNodes
type NodeFilter struct {
	ClusterID  *uint
	Unassigned bool
	Status     models.NodeStatus
}

// DeploymentFilter narrows ListDeployments
type DeploymentFilter struct {
	ClusterID *uint
	Status    models.DeploymentStatus
	Limit     int
}

var _ Store = (*Database)(nil)
