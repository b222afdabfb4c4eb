package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewForTest(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedCluster(t *testing.T, db *Database, name string) *models.Cluster {
	t.Helper()
	c := &models.Cluster{Name: name, MinNodes: 1, MaxNodes: 3, TargetCPUUtilization: 70, AutoScalingEnabled: true}
	require.NoError(t, db.CreateCluster(c))
	return c
}

func seedNode(t *testing.T, db *Database, name string, clusterID *uint, status models.NodeStatus) *models.Node {
	t.Helper()
	n := &models.Node{Name: name, Host: name + ".local", Status: status, ClusterID: clusterID, Priority: 100}
	require.NoError(t, db.CreateNode(n))
	return n
}

func TestNew(t *testing.T) {
	t.Run("should create the database file and schema", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "nested", "fleet.db")
		db, err := New(&Config{Driver: DriverSQLite, Path: dbPath, LogLevel: "silent"}, logger.Discard())
		require.NoError(t, err)

		_, err = os.Stat(dbPath)
		assert.NoError(t, err)
		assert.NoError(t, db.Health())
		assert.True(t, db.DB().Migrator().HasTable("deployments"))
		assert.NoError(t, db.Close())
	})

	t.Run("should reject unknown drivers", func(t *testing.T) {
		_, err := New(&Config{Driver: "oracle"}, logger.Discard())
		assert.True(t, errors.Is(err, errors.ErrInvalidInput))
	})

	t.Run("should require a dsn for mysql", func(t *testing.T) {
		_, err := New(&Config{Driver: DriverMySQL}, logger.Discard())
		assert.Error(t, err)
	})
}

func TestClusters(t *testing.T) {
	db := newTestDB(t)

	t.Run("should create and fetch a cluster", func(t *testing.T) {
		c := seedCluster(t, db, "eu-west")
		got, err := db.GetCluster(c.ID)
		require.NoError(t, err)
		assert.Equal(t, "eu-west", got.Name)
		assert.Equal(t, 3, got.MaxNodes)
	})

	t.Run("should reject duplicate names", func(t *testing.T) {
		err := db.CreateCluster(&models.Cluster{Name: "eu-west"})
		assert.True(t, errors.Is(err, errors.ErrAlreadyExists))
	})

	t.Run("should list only auto-scaling clusters", func(t *testing.T) {
		require.NoError(t, db.CreateCluster(&models.Cluster{Name: "manual", AutoScalingEnabled: false}))
		clusters, err := db.ListAutoScalingClusters()
		require.NoError(t, err)
		require.Len(t, clusters, 1)
		assert.Equal(t, "eu-west", clusters[0].Name)
	})

	t.Run("should return not found for missing cluster", func(t *testing.T) {
		_, err := db.GetCluster(999)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
		assert.True(t, errors.Is(db.DeleteCluster(999), errors.ErrNotFound))
	})

	t.Run("should default and upsert load balancer rules", func(t *testing.T) {
		c := seedCluster(t, db, "lb")
		rule, err := db.GetLoadBalancerRule(c.ID)
		require.NoError(t, err)
		assert.Zero(t, rule.ID)
		assert.Equal(t, models.BalanceRoundRobin, rule.Algorithm)

		rule.Algorithm = models.BalanceWeighted
		require.NoError(t, db.SaveLoadBalancerRule(rule))

		again := &models.LoadBalancerRule{ClusterID: c.ID, Algorithm: models.BalanceLeastPlayers}
		require.NoError(t, db.SaveLoadBalancerRule(again))
		assert.Equal(t, rule.ID, again.ID)

		stored, err := db.GetLoadBalancerRule(c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.BalanceLeastPlayers, stored.Algorithm)
	})
}

func TestNodes(t *testing.T) {
	db := newTestDB(t)
	c := seedCluster(t, db, "main")

	t.Run("should list members and unassigned nodes separately", func(t *testing.T) {
		seedNode(t, db, "a", &c.ID, models.NodeStatusOnline)
		seedNode(t, db, "b", &c.ID, models.NodeStatusOffline)
		seedNode(t, db, "loose", nil, models.NodeStatusOffline)

		members, err := db.ListNodesInCluster(c.ID)
		require.NoError(t, err)
		assert.Len(t, members, 2)

		loose, err := db.ListNodes(NodeFilter{Unassigned: true})
		require.NoError(t, err)
		require.Len(t, loose, 1)
		assert.Equal(t, "loose", loose[0].Name)

		offline, err := db.ListNodes(NodeFilter{ClusterID: &c.ID, Status: models.NodeStatusOffline})
		require.NoError(t, err)
		assert.Len(t, offline, 1)
	})

	t.Run("should compare-and-set status", func(t *testing.T) {
		n := seedNode(t, db, "cas", &c.ID, models.NodeStatusOffline)

		ok, err := db.CompareAndSetNodeStatus(n.ID, []models.NodeStatus{models.NodeStatusOnline}, models.NodeStatusStopping)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = db.CompareAndSetNodeStatus(n.ID, []models.NodeStatus{models.NodeStatusOffline}, models.NodeStatusStarting)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := db.GetNode(n.ID)
		require.NoError(t, err)
		assert.Equal(t, models.NodeStatusStarting, got.Status)

		_, err = db.CompareAndSetNodeStatus(9999, nil, models.NodeStatusOnline)
		assert.True(t, errors.Is(err, errors.ErrNotFound))
	})

	t.Run("should let exactly one concurrent caller win a transition", func(t *testing.T) {
		n := seedNode(t, db, "race", &c.ID, models.NodeStatusOffline)

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := db.CompareAndSetNodeStatus(n.ID, []models.NodeStatus{models.NodeStatusOffline}, models.NodeStatusStarting)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("should not overwrite status on update", func(t *testing.T) {
		n := seedNode(t, db, "upd", &c.ID, models.NodeStatusOnline)
		n.Status = models.NodeStatusOffline
		n.Priority = 5
		require.NoError(t, db.UpdateNode(n))

		got, err := db.GetNode(n.ID)
		require.NoError(t, err)
		assert.Equal(t, models.NodeStatusOnline, got.Status)
		assert.Equal(t, 5, got.Priority)
	})

	t.Run("should record health", func(t *testing.T) {
		n := seedNode(t, db, "health", &c.ID, models.NodeStatusOnline)
		sample := models.HealthSample{NodeID: n.ID, Reachable: true, CPUPercent: 42.5, MemoryPercent: 10, UptimeSeconds: 99}
		require.NoError(t, db.RecordNodeHealth(n.ID, sample))

		got, err := db.GetNode(n.ID)
		require.NoError(t, err)
		assert.Equal(t, 42.5, got.CPUPercent)
		assert.NotNil(t, got.LastHealthCheck)
	})
}

func TestDeployments(t *testing.T) {
	db := newTestDB(t)
	a := seedNode(t, db, "a", nil, models.NodeStatusOnline)
	b := seedNode(t, db, "b", nil, models.NodeStatusOnline)

	newDeployment := func(status models.DeploymentStatus, payload models.Payload, nodes ...*models.Node) *models.Deployment {
		d := &models.Deployment{
			DeploymentType: "update",
			Status:         status,
			TotalSteps:     models.StepsPerNode * len(nodes),
			InitiatedBy:    "test",
			Payload:        payload,
		}
		for i, n := range nodes {
			d.Targets = append(d.Targets, models.DeploymentTarget{NodeID: n.ID, Ordinal: i})
		}
		require.NoError(t, db.CreateDeployment(d))
		return d
	}

	t.Run("should persist targets in order with payload", func(t *testing.T) {
		d := newDeployment(models.DeploymentStatusPending, models.Payload{Version: "1.0", Commands: []string{"true"}}, b, a)
		got, err := db.GetDeployment(d.ID, true)
		require.NoError(t, err)
		assert.Equal(t, []uint{b.ID, a.ID}, got.NodeIDs())
		assert.Equal(t, "1.0", got.Payload.Version)
		assert.Empty(t, got.Logs)
	})

	t.Run("should never increment past total steps", func(t *testing.T) {
		d := newDeployment(models.DeploymentStatusInProgress, models.Payload{}, a)
		for i := 0; i < models.StepsPerNode; i++ {
			moved, err := db.IncrementDeploymentSteps(d.ID)
			require.NoError(t, err)
			assert.True(t, moved)
		}
		moved, err := db.IncrementDeploymentSteps(d.ID)
		require.NoError(t, err)
		assert.False(t, moved)

		got, err := db.GetDeployment(d.ID, false)
		require.NoError(t, err)
		assert.Equal(t, got.TotalSteps, got.CompletedSteps)
	})

	t.Run("should serialise concurrent increments", func(t *testing.T) {
		d := newDeployment(models.DeploymentStatusInProgress, models.Payload{}, a, b)
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := db.IncrementDeploymentSteps(d.ID)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		got, err := db.GetDeployment(d.ID, false)
		require.NoError(t, err)
		assert.Equal(t, 6, got.CompletedSteps)
	})

	t.Run("should only transition from the expected status", func(t *testing.T) {
		d := newDeployment(models.DeploymentStatusPending, models.Payload{}, a)

		ok, err := db.TransitionDeployment(d.ID, models.DeploymentStatusInProgress, models.DeploymentStatusCompleted, nil)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = db.TransitionDeployment(d.ID, models.DeploymentStatusPending, models.DeploymentStatusInProgress, map[string]interface{}{"current_step": "starting"})
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = db.TransitionDeployment(d.ID, models.DeploymentStatusCompleted, models.DeploymentStatusPending, nil)
		assert.Error(t, err)

		got, err := db.GetDeployment(d.ID, false)
		require.NoError(t, err)
		assert.Equal(t, models.DeploymentStatusInProgress, got.Status)
		assert.Equal(t, "starting", got.CurrentStep)
	})

	t.Run("should append logs", func(t *testing.T) {
		d := newDeployment(models.DeploymentStatusInProgress, models.Payload{}, a)
		require.NoError(t, db.AppendDeploymentLog(&models.DeploymentLog{DeploymentID: d.ID, NodeID: a.ID, Step: models.StepStop, OK: true}))
		require.NoError(t, db.AppendDeploymentLog(&models.DeploymentLog{DeploymentID: d.ID, NodeID: a.ID, Step: models.StepUpdate, OK: false, Message: "boom"}))

		got, err := db.GetDeployment(d.ID, true)
		require.NoError(t, err)
		require.Len(t, got.Logs, 2)
		assert.Equal(t, models.StepUpdate, got.Logs[1].Step)
	})

	t.Run("should find the last completed payload covering all nodes", func(t *testing.T) {
		newDeployment(models.DeploymentStatusCompleted, models.Payload{Version: "old"}, a, b)
		newDeployment(models.DeploymentStatusCompleted, models.Payload{Version: "only-a"}, a)
		newDeployment(models.DeploymentStatusFailed, models.Payload{Version: "broken"}, a, b)

		p, err := db.LastCompletedPayload([]uint{a.ID, b.ID})
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "old", p.Version)

		p, err = db.LastCompletedPayload([]uint{a.ID})
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "only-a", p.Version)

		p, err = db.LastCompletedPayload([]uint{9999})
		require.NoError(t, err)
		assert.Nil(t, p)
	})

	t.Run("should filter deployments", func(t *testing.T) {
		list, err := db.ListDeployments(DeploymentFilter{Status: models.DeploymentStatusCompleted, Limit: 1})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "only-a", list[0].Payload.Version)
	})
}
