package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/fleet-controller/internal/executor"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/notify"
	"github.com/dsyorkd/fleet-controller/internal/services"
	"github.com/dsyorkd/fleet-controller/internal/storage"
	"github.com/dsyorkd/fleet-controller/internal/testutil"
)

// MockLifecycle is a mock implementation of services.Lifecycle
type MockLifecycle struct {
	mock.Mock
}

func (m *MockLifecycle) Start(ctx context.Context, node *models.Node) executor.Result {
	args := m.Called(ctx, node)
	return args.Get(0).(executor.Result)
}

func (m *MockLifecycle) Stop(ctx context.Context, node *models.Node) executor.Result {
	args := m.Called(ctx, node)
	return args.Get(0).(executor.Result)
}

// cpuProber reports fixed cpu figures by node name; missing names are unreachable
type cpuProber struct {
	mu    sync.Mutex
	cpu   map[string]float64
	calls int
}

func (p *cpuProber) Check(_ context.Context, node *models.Node) models.HealthSample {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	cpu, ok := p.cpu[node.Name]
	if !ok {
		return models.HealthSample{NodeID: node.ID, ResponseTimeMs: models.UnreachableResponseTimeMs, ObservedAt: time.Now().UTC()}
	}
	return models.HealthSample{NodeID: node.ID, Reachable: true, ResponseTimeMs: 3, CPUPercent: cpu, MemoryPercent: 40, ObservedAt: time.Now().UTC()}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(e notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

type fixture struct {
	store      *storage.Database
	lifecycle  *MockLifecycle
	prober     *cpuProber
	locks      *services.NodeLocks
	events     *recordingPublisher
	controller *Controller
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()
	log := logger.Discard()
	store := testutil.NewStore(t)

	f := &fixture{
		store:     store,
		lifecycle: &MockLifecycle{},
		prober:    &cpuProber{cpu: map[string]float64{}},
		locks:     services.NewNodeLocks(),
		events:    &recordingPublisher{},
	}
	registry := services.NewNodeRegistry(store, log)
	actions := services.NewNodeActions(registry, f.lifecycle, log)
	f.controller = New(store, registry, actions, f.prober, f.locks, f.events, config, log)
	return f
}

func (f *fixture) cluster(t *testing.T, name string) *models.Cluster {
	return testutil.SeedCluster(t, f.store, name)
}

func (f *fixture) node(t *testing.T, cluster *models.Cluster, name string, status models.NodeStatus, priority int) *models.Node {
	return testutil.SeedNode(t, f.store, name, status, &cluster.ID, func(n *models.Node) { n.Priority = priority })
}

func (f *fixture) status(t *testing.T, id uint) models.NodeStatus {
	return testutil.NodeStatus(t, f.store, id)
}

func nodeNamed(name string) interface{} {
	return mock.MatchedBy(func(n *models.Node) bool { return n.Name == name })
}

func TestDecide(t *testing.T) {
	cluster := &models.Cluster{MinNodes: 1, MaxNodes: 3, TargetCPUUtilization: 70}

	t.Run("should scale up above target while below max", func(t *testing.T) {
		assert.Equal(t, ActionScaleUp, Decide(cluster, models.ClusterStats{OnlineNodes: 2, AvgCPU: 85}))
		assert.Equal(t, ActionNone, Decide(cluster, models.ClusterStats{OnlineNodes: 3, AvgCPU: 85}))
	})

	t.Run("should scale down below half the target while above min", func(t *testing.T) {
		assert.Equal(t, ActionScaleDown, Decide(cluster, models.ClusterStats{OnlineNodes: 3, AvgCPU: 10}))
		assert.Equal(t, ActionNone, Decide(cluster, models.ClusterStats{OnlineNodes: 1, AvgCPU: 10}))
		assert.Equal(t, ActionNone, Decide(cluster, models.ClusterStats{OnlineNodes: 2, AvgCPU: 35}))
	})

	t.Run("should hold when nothing is reachable", func(t *testing.T) {
		assert.Equal(t, ActionNone, Decide(cluster, models.ClusterStats{}))
	})
}

func TestController_Tick(t *testing.T) {
	t.Run("should start the most eligible offline node when cpu is high", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		cluster := f.cluster(t, "games")
		a := f.node(t, cluster, "a", models.NodeStatusOnline, 100)
		f.node(t, cluster, "b", models.NodeStatusOnline, 100)
		f.node(t, cluster, "c", models.NodeStatusOffline, 50)
		d := f.node(t, cluster, "d", models.NodeStatusOffline, 10)
		f.prober.cpu = map[string]float64{"a": 85, "b": 85}

		var during models.NodeStatus
		f.lifecycle.On("Start", mock.Anything, nodeNamed("d")).
			Run(func(mock.Arguments) { during = f.status(t, d.ID) }).
			Return(executor.Result{OK: true})

		report, err := f.controller.Tick(context.Background())
		require.NoError(t, err)
		require.Len(t, report.Decisions, 1)

		decision := report.Decisions[0]
		assert.Equal(t, ActionScaleUp, decision.Action)
		require.NotNil(t, decision.NodeID)
		assert.Equal(t, d.ID, *decision.NodeID)
		assert.Equal(t, 85.0, decision.Stats.AvgCPU)
		assert.Equal(t, 2, decision.Stats.OnlineNodes)

		assert.Equal(t, models.NodeStatusStarting, during)
		assert.Equal(t, models.NodeStatusOnline, f.status(t, d.ID))
		f.lifecycle.AssertNumberOfCalls(t, "Start", 1)

		stats, ok := f.controller.LastStats(cluster.ID)
		require.True(t, ok)
		assert.Equal(t, 85.0, stats.AvgCPU)

		stored, err := f.store.GetNode(a.ID)
		require.NoError(t, err)
		assert.Equal(t, 85.0, stored.CPUPercent)

		require.Len(t, f.events.events, 1)
		assert.Equal(t, notify.EventClusterScaledUp, f.events.events[0].Type)
	})

	t.Run("should stop one online node when cpu is low", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		cluster := f.cluster(t, "games")
		a := f.node(t, cluster, "a", models.NodeStatusOnline, 100)
		b := f.node(t, cluster, "b", models.NodeStatusOnline, 100)
		f.node(t, cluster, "c", models.NodeStatusOnline, 100)
		f.prober.cpu = map[string]float64{"a": 10, "b": 10, "c": 10}

		var during models.NodeStatus
		f.lifecycle.On("Stop", mock.Anything, nodeNamed("a")).
			Run(func(mock.Arguments) { during = f.status(t, a.ID) }).
			Return(executor.Result{OK: true})

		report, err := f.controller.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ActionScaleDown, report.Decisions[0].Action)
		assert.Equal(t, 10.0, report.Decisions[0].Stats.AvgCPU)

		assert.Equal(t, models.NodeStatusStopping, during)
		assert.Equal(t, models.NodeStatusOffline, f.status(t, a.ID))
		assert.Equal(t, models.NodeStatusOnline, f.status(t, b.ID))
		f.lifecycle.AssertNumberOfCalls(t, "Stop", 1)
	})

	t.Run("should pick the least loaded node under that policy", func(t *testing.T) {
		config := DefaultConfig()
		config.ScaleDownPolicy = ScaleDownLeastLoaded
		f := newFixture(t, config)
		cluster := f.cluster(t, "games")
		f.node(t, cluster, "a", models.NodeStatusOnline, 100)
		b := f.node(t, cluster, "b", models.NodeStatusOnline, 100)
		f.node(t, cluster, "c", models.NodeStatusOnline, 100)
		f.prober.cpu = map[string]float64{"a": 12, "b": 4, "c": 14}
		f.lifecycle.On("Stop", mock.Anything, nodeNamed("b")).Return(executor.Result{OK: true})

		report, err := f.controller.Tick(context.Background())
		require.NoError(t, err)
		require.NotNil(t, report.Decisions[0].NodeID)
		assert.Equal(t, b.ID, *report.Decisions[0].NodeID)
		assert.Equal(t, models.NodeStatusOffline, f.status(t, b.ID))
	})

	t.Run("should take no action when no node is reachable", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		cluster := f.cluster(t, "games")
		f.node(t, cluster, "a", models.NodeStatusOnline, 100)
		f.node(t, cluster, "b", models.NodeStatusOffline, 100)

		report, err := f.controller.Tick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, ActionNone, report.Decisions[0].Action)
		assert.Equal(t, 0.0, report.Decisions[0].Stats.AvgCPU)
		assert.Equal(t, 0, report.Decisions[0].Stats.OnlineNodes)
		f.lifecycle.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
		f.lifecycle.AssertNotCalled(t, "Stop", mock.Anything, mock.Anything)
	})

	t.Run("should skip nodes held by a deployment and maintenance nodes", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		cluster := f.cluster(t, "games")
		f.node(t, cluster, "a", models.NodeStatusOnline, 100)
		held := f.node(t, cluster, "b", models.NodeStatusOffline, 1)
		maintenance := f.node(t, cluster, "m", models.NodeStatusMaintenance, 0)
		free := f.node(t, cluster, "c", models.NodeStatusOffline, 5)
		f.prober.cpu = map[string]float64{"a": 95}
		require.NoError(t, f.locks.TryLock("deployment:x", held.ID))
		f.lifecycle.On("Start", mock.Anything, nodeNamed("c")).Return(executor.Result{OK: true})

		report, err := f.controller.Tick(context.Background())
		require.NoError(t, err)
		require.NotNil(t, report.Decisions[0].NodeID)
		assert.Equal(t, free.ID, *report.Decisions[0].NodeID)
		assert.Equal(t, models.NodeStatusMaintenance, f.status(t, maintenance.ID))
	})

	t.Run("should report a failed action and keep evaluating other clusters", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		hot := f.cluster(t, "hot")
		cold := f.cluster(t, "cold")
		f.node(t, hot, "h1", models.NodeStatusOnline, 100)
		spare := f.node(t, hot, "h2", models.NodeStatusOffline, 100)
		f.node(t, cold, "c1", models.NodeStatusOnline, 100)
		f.node(t, cold, "c2", models.NodeStatusOnline, 100)
		f.prober.cpu = map[string]float64{"h1": 99, "c1": 5, "c2": 5}
		f.lifecycle.On("Start", mock.Anything, nodeNamed("h2")).Return(executor.Result{ExitCode: 1, Stderr: "no such unit"})
		f.lifecycle.On("Stop", mock.Anything, nodeNamed("c1")).Return(executor.Result{OK: true})

		report, err := f.controller.Tick(context.Background())
		require.Error(t, err)
		require.Len(t, report.Decisions, 2)
		assert.Contains(t, report.Decisions[0].Error, "no such unit")
		assert.Equal(t, models.NodeStatusError, f.status(t, spare.ID))
		assert.Equal(t, ActionScaleDown, report.Decisions[1].Action)
		assert.Empty(t, report.Decisions[1].Error)
	})

	t.Run("should ignore clusters without auto-scaling", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		manual := &models.Cluster{Name: "manual", MinNodes: 1, MaxNodes: 3, TargetCPUUtilization: 70}
		require.NoError(t, f.store.CreateCluster(manual))
		f.node(t, manual, "a", models.NodeStatusOnline, 100)

		report, err := f.controller.Tick(context.Background())
		require.NoError(t, err)
		assert.Empty(t, report.Decisions)
		assert.Equal(t, 0, f.prober.calls)
	})
}

func TestController_LastStats(t *testing.T) {
	t.Run("should expire stats after the ttl", func(t *testing.T) {
		config := DefaultConfig()
		config.StatsTTL = time.Minute
		f := newFixture(t, config)
		cluster := f.cluster(t, "games")
		f.node(t, cluster, "a", models.NodeStatusOnline, 100)
		f.prober.cpu = map[string]float64{"a": 50}

		now := time.Now().UTC()
		f.controller.now = func() time.Time { return now }
		_, err := f.controller.Tick(context.Background())
		require.NoError(t, err)

		_, ok := f.controller.LastStats(cluster.ID)
		assert.True(t, ok)

		f.controller.now = func() time.Time { return now.Add(2 * time.Minute) }
		_, ok = f.controller.LastStats(cluster.ID)
		assert.False(t, ok)
	})
}

func TestManager(t *testing.T) {
	t.Run("should tick until stopped", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		cluster := f.cluster(t, "games")
		f.node(t, cluster, "a", models.NodeStatusOnline, 100)
		f.prober.cpu = map[string]float64{"a": 50}

		manager := NewManager(f.controller, Config{Interval: 10 * time.Millisecond}, logger.Discard())
		require.NoError(t, manager.Start(context.Background()))
		assert.Error(t, manager.Start(context.Background()))

		assert.Eventually(t, func() bool {
			f.prober.mu.Lock()
			defer f.prober.mu.Unlock()
			return f.prober.calls >= 3
		}, 2*time.Second, 10*time.Millisecond)

		manager.Stop()
		manager.Stop()
	})
}

func TestConfig_Staleness(t *testing.T) {
	t.Run("should default to the loop interval", func(t *testing.T) {
		assert.Equal(t, 60*time.Second, DefaultConfig().Staleness())
	})

	t.Run("should honour an explicit window", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.StalenessWindow = 5 * time.Minute
		assert.Equal(t, 5*time.Minute, cfg.Staleness())
	})
}
