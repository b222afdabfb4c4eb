package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dsyorkd/fleet-controller/internal/controller"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/notify"
	"github.com/dsyorkd/fleet-controller/internal/services"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// MockClusterService is a mock implementation of ClusterService
type MockClusterService struct {
	mock.Mock
}

func (m *MockClusterService) Create(req services.CreateClusterRequest) (*models.Cluster, error) {
	args := m.Called(req)
	cluster, _ := args.Get(0).(*models.Cluster)
	return cluster, args.Error(1)
}

func (m *MockClusterService) Update(id uint, req services.UpdateClusterRequest) (*models.Cluster, error) {
	args := m.Called(id, req)
	cluster, _ := args.Get(0).(*models.Cluster)
	return cluster, args.Error(1)
}

func (m *MockClusterService) Delete(id uint) error {
	return m.Called(id).Error(0)
}

func (m *MockClusterService) List() ([]models.Cluster, error) {
	args := m.Called()
	clusters, _ := args.Get(0).([]models.Cluster)
	return clusters, args.Error(1)
}

func (m *MockClusterService) GetByID(id uint) (*models.Cluster, error) {
	args := m.Called(id)
	cluster, _ := args.Get(0).(*models.Cluster)
	return cluster, args.Error(1)
}

func (m *MockClusterService) GetClusterStatus(id uint) (*services.ClusterStatus, error) {
	args := m.Called(id)
	status, _ := args.Get(0).(*services.ClusterStatus)
	return status, args.Error(1)
}

func (m *MockClusterService) BalanceRecommendation(id uint) (*services.BalanceRecommendation, error) {
	args := m.Called(id)
	rec, _ := args.Get(0).(*services.BalanceRecommendation)
	return rec, args.Error(1)
}

func (m *MockClusterService) GetLoadBalancerRule(id uint) (*models.LoadBalancerRule, error) {
	args := m.Called(id)
	rule, _ := args.Get(0).(*models.LoadBalancerRule)
	return rule, args.Error(1)
}

func (m *MockClusterService) SaveLoadBalancerRule(id uint, rule models.LoadBalancerRule) (*models.LoadBalancerRule, error) {
	args := m.Called(id, rule)
	saved, _ := args.Get(0).(*models.LoadBalancerRule)
	return saved, args.Error(1)
}

// MockNodeService is a mock implementation of NodeService
type MockNodeService struct {
	mock.Mock
}

func (m *MockNodeService) List(opts services.NodeListOptions) ([]models.Node, error) {
	args := m.Called(opts)
	nodes, _ := args.Get(0).([]models.Node)
	return nodes, args.Error(1)
}

func (m *MockNodeService) GetByID(id uint) (*models.Node, error) {
	args := m.Called(id)
	node, _ := args.Get(0).(*models.Node)
	return node, args.Error(1)
}

func (m *MockNodeService) Create(req services.CreateNodeRequest) (*models.Node, error) {
	args := m.Called(req)
	node, _ := args.Get(0).(*models.Node)
	return node, args.Error(1)
}

func (m *MockNodeService) Update(id uint, req services.UpdateNodeRequest) (*models.Node, error) {
	args := m.Called(id, req)
	node, _ := args.Get(0).(*models.Node)
	return node, args.Error(1)
}

func (m *MockNodeService) Delete(id uint) error {
	return m.Called(id).Error(0)
}

func (m *MockNodeService) Start(ctx context.Context, id uint) (*models.Node, error) {
	args := m.Called(ctx, id)
	node, _ := args.Get(0).(*models.Node)
	return node, args.Error(1)
}

func (m *MockNodeService) Stop(ctx context.Context, id uint) (*models.Node, error) {
	args := m.Called(ctx, id)
	node, _ := args.Get(0).(*models.Node)
	return node, args.Error(1)
}

func (m *MockNodeService) Restart(ctx context.Context, id uint) (*models.Node, error) {
	args := m.Called(ctx, id)
	node, _ := args.Get(0).(*models.Node)
	return node, args.Error(1)
}

func (m *MockNodeService) SetMaintenance(id uint, enabled bool) (*models.Node, error) {
	args := m.Called(id, enabled)
	node, _ := args.Get(0).(*models.Node)
	return node, args.Error(1)
}

func (m *MockNodeService) Probe(ctx context.Context, id uint) (models.HealthSample, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.HealthSample), args.Error(1)
}

// MockDeploymentService is a mock implementation of DeploymentService
type MockDeploymentService struct {
	mock.Mock
}

func (m *MockDeploymentService) CreateDeployment(req services.CreateDeploymentRequest) (*models.Deployment, error) {
	args := m.Called(req)
	d, _ := args.Get(0).(*models.Deployment)
	return d, args.Error(1)
}

func (m *MockDeploymentService) GetDeployment(id uint) (*models.Deployment, error) {
	args := m.Called(id)
	d, _ := args.Get(0).(*models.Deployment)
	return d, args.Error(1)
}

func (m *MockDeploymentService) GetDeploymentStatus(id uint) (*services.DeploymentStatus, error) {
	args := m.Called(id)
	status, _ := args.Get(0).(*services.DeploymentStatus)
	return status, args.Error(1)
}

func (m *MockDeploymentService) ListDeployments(opts services.DeploymentListOptions) ([]models.Deployment, error) {
	args := m.Called(opts)
	ds, _ := args.Get(0).([]models.Deployment)
	return ds, args.Error(1)
}

func (m *MockDeploymentService) CancelDeployment(id uint) error {
	return m.Called(id).Error(0)
}

func (m *MockDeploymentService) RollbackDeployment(id uint, initiatedBy string) (*models.Deployment, error) {
	args := m.Called(id, initiatedBy)
	d, _ := args.Get(0).(*models.Deployment)
	return d, args.Error(1)
}

// MockTicker is a mock implementation of Ticker
type MockTicker struct {
	mock.Mock
}

func (m *MockTicker) Tick(ctx context.Context) (*controller.Report, error) {
	args := m.Called(ctx)
	report, _ := args.Get(0).(*controller.Report)
	return report, args.Error(1)
}

// MockEventLister is a mock implementation of EventLister
type MockEventLister struct {
	mock.Mock
}

func (m *MockEventLister) List(limit int) ([]notify.Event, error) {
	args := m.Called(limit)
	events, _ := args.Get(0).([]notify.Event)
	return events, args.Error(1)
}

// MockCredentialStore is a mock implementation of CredentialStore
type MockCredentialStore struct {
	mock.Mock
}

func (m *MockCredentialStore) PutCredential(ref string, cred storage.Credential) error {
	return m.Called(ref, cred).Error(0)
}

func (m *MockCredentialStore) DeleteCredential(ref string) error {
	return m.Called(ref).Error(0)
}

// request performs a JSON request against router
func request(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func uintPtr(v uint) *uint { return &v }
