package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/dsyorkd/fleet-controller/internal/executor"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/notify"
	"github.com/dsyorkd/fleet-controller/internal/storage"
	"github.com/dsyorkd/fleet-controller/internal/testutil"
)

// MockLifecycle is a mock implementation of the Lifecycle interface
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

// MockApplier is a mock implementation of the PayloadApplier interface
type MockApplier struct {
	mock.Mock
}

func (m *MockApplier) Apply(ctx context.Context, node *models.Node, payload models.Payload) error {
	args := m.Called(ctx, node, payload)
	return args.Error(0)
}

// MockHealthChecker is a mock implementation of the HealthChecker interface
type MockHealthChecker struct {
	mock.Mock
}

func (m *MockHealthChecker) Check(ctx context.Context, node *models.Node) models.HealthSample {
	args := m.Called(ctx, node)
	return args.Get(0).(models.HealthSample)
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(e notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) Types() []notify.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	types := make([]notify.EventType, len(p.events))
	for i, e := range p.events {
		types[i] = e.Type
	}
	return types
}

var (
	resultOK     = executor.Result{OK: true}
	resultFailed = executor.Result{OK: false, ExitCode: 1, Stderr: "unit failed"}
)

func nodeNamed(name string) interface{} {
	return mock.MatchedBy(func(n *models.Node) bool { return n.Name == name })
}

func payloadVersion(version string) interface{} {
	return mock.MatchedBy(func(p models.Payload) bool { return p.Version == version })
}

func newTestStore(t *testing.T) *storage.Database {
	return testutil.NewStore(t)
}

func seedCluster(t *testing.T, store storage.Store, name string, mutate ...func(*models.Cluster)) *models.Cluster {
	return testutil.SeedCluster(t, store, name, mutate...)
}

func seedNode(t *testing.T, store storage.Store, name string, status models.NodeStatus, clusterID *uint) *models.Node {
	return testutil.SeedNode(t, store, name, status, clusterID)
}

func statusOf(t *testing.T, store storage.Store, id uint) models.NodeStatus {
	return testutil.NodeStatus(t, store, id)
}
