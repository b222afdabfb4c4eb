// Package testutil holds database fixtures shared by package tests.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

// NewStore opens a migrated SQLite database in a temp dir, closed on cleanup
func NewStore(t *testing.T) *storage.Database {
	t.Helper()
	store, err := storage.NewForTest(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// SeedCluster inserts an auto-scaling cluster with room for 1 to 3 nodes
func SeedCluster(t *testing.T, store storage.Store, name string, mutate ...func(*models.Cluster)) *models.Cluster {
	t.Helper()
	cluster := &models.Cluster{
		Name:                 name,
		MinNodes:             1,
		MaxNodes:             3,
		TargetCPUUtilization: 70,
		AutoScalingEnabled:   true,
	}
	for _, m := range mutate {
		m(cluster)
	}
	require.NoError(t, store.CreateCluster(cluster))
	return cluster
}

// SeedNode inserts a member node addressed as <name>.fleet.local
func SeedNode(t *testing.T, store storage.Store, name string, status models.NodeStatus, clusterID *uint, mutate ...func(*models.Node)) *models.Node {
	t.Helper()
	node := &models.Node{
		Name:      name,
		Host:      name + ".fleet.local",
		Status:    status,
		Role:      models.NodeRoleMember,
		SSHPort:   models.DefaultSSHPort,
		Priority:  models.DefaultPriority,
		Weight:    models.DefaultWeight,
		ClusterID: clusterID,
	}
	for _, m := range mutate {
		m(node)
	}
	require.NoError(t, store.CreateNode(node))
	return node
}

// NodeStatus reloads a node and returns its persisted status
func NodeStatus(t *testing.T, store storage.Store, id uint) models.NodeStatus {
	t.Helper()
	node, err := store.GetNode(id)
	require.NoError(t, err)
	return node.Status
}
