package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/notify"
	"github.com/dsyorkd/fleet-controller/internal/storage"
)

const (
	interruptedByRestart  = "interrupted by controller restart"
	interruptedByShutdown = "interrupted by controller shutdown"
)

// PayloadApplier performs the update step on one node
type PayloadApplier interface {
	Apply(ctx context.Context, node *models.Node, payload models.Payload) error
}

// DeploymentConfig tunes rollouts
type DeploymentConfig struct {
	// Parallelism is how many nodes are rolled at once. 1 is sequential.
	Parallelism int `yaml:"parallelism"`
}

// DeploymentService is the rollout orchestrator. Each deployment runs in
// its own goroutine; target nodes are locked from creation until their
// steps finish so no two rollouts drive the same node.
type DeploymentService struct {
	store    storage.Store
	registry *NodeRegistry
	actions  *NodeActions
	applier  PayloadApplier
	locks    *NodeLocks
	notifier notify.Publisher
	config   DeploymentConfig
	logger   logger.Interface
	now      func() time.Time

	mu      sync.Mutex
	runs    map[uint]*run
	wg      sync.WaitGroup
	closing atomic.Bool
}

type run struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// NewDeploymentService creates the orchestrator
func NewDeploymentService(
	store storage.Store,
	registry *NodeRegistry,
	actions *NodeActions,
	applier PayloadApplier,
	locks *NodeLocks,
	notifier notify.Publisher,
	config DeploymentConfig,
	logger logger.Interface,
) *DeploymentService {
	if config.Parallelism < 1 {
		config.Parallelism = 1
	}
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &DeploymentService{
		store:    store,
		registry: registry,
		actions:  actions,
		applier:  applier,
		locks:    locks,
		notifier: notifier,
		config:   config,
		logger:   logger.WithField("service", "deployment"),
		now:      func() time.Time { return time.Now().UTC() },
		runs:     make(map[uint]*run),
	}
}

// CreateDeploymentRequest represents a rollout request
type CreateDeploymentRequest struct {
	NodeIDs        []uint         `json:"node_ids" binding:"required"`
	DeploymentType string         `json:"deployment_type" binding:"required"`
	Version        string         `json:"version"`
	Payload        models.Payload `json:"payload"`
	InitiatedBy    string         `json:"initiated_by"`
	ClusterID      *uint          `json:"cluster_id,omitempty"`
}

// DeploymentStatus is what pollers see of a running deployment
type DeploymentStatus struct {
	ID             uint                    `json:"id"`
	Status         models.DeploymentStatus `json:"status"`
	CompletedSteps int                     `json:"completed_steps"`
	TotalSteps     int                     `json:"total_steps"`
	CurrentStep    string                  `json:"current_step"`
	ErrorMessage   string                  `json:"error_message,omitempty"`
	Success        *bool                   `json:"success,omitempty"`
	Progress       float64                 `json:"progress"`
}

// DeploymentListOptions narrows ListDeployments
type DeploymentListOptions struct {
	ClusterID *uint
	Status    models.DeploymentStatus
	Limit     int
}

// CreateDeployment validates the request, locks the target nodes and
// starts the rollout in the background. It returns once the deployment
// is persisted as Pending.
func (s *DeploymentService) CreateDeployment(req CreateDeploymentRequest) (*models.Deployment, error) {
	return s.create(req, nil)
}

func (s *DeploymentService) create(req CreateDeploymentRequest, rollbackOf *uint) (*models.Deployment, error) {
	if s.closing.Load() {
		return nil, errors.Wrap(errors.ErrServiceUnavailable, "orchestrator is shutting down")
	}
	if req.DeploymentType == "" {
		return nil, errors.NewValidationError("deployment_type", req.DeploymentType, "is required")
	}
	if len(req.NodeIDs) == 0 {
		return nil, errors.NewValidationError("node_ids", req.NodeIDs, "at least one node is required")
	}

	seen := make(map[uint]bool, len(req.NodeIDs))
	nodes := make([]models.Node, 0, len(req.NodeIDs))
	for _, id := range req.NodeIDs {
		if seen[id] {
			return nil, errors.NewValidationError("node_ids", id, "duplicate node")
		}
		seen[id] = true

		node, err := s.store.GetNode(id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, errors.NewValidationError("node_ids", id, "node does not exist")
			}
			return nil, err
		}
		if node.Status == models.NodeStatusMaintenance {
			return nil, errors.NewValidationError("node_ids", id, "node is in maintenance")
		}
		nodes = append(nodes, *node)
	}

	if req.ClusterID != nil {
		if _, err := s.store.GetCluster(*req.ClusterID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, errors.NewValidationError("cluster_id", *req.ClusterID, "cluster does not exist")
			}
			return nil, err
		}
	}

	token := "deployment:" + uuid.NewString()
	if err := s.locks.TryLock(token, req.NodeIDs...); err != nil {
		return nil, err
	}

	rollbackPayload, err := s.store.LastCompletedPayload(req.NodeIDs)
	if err != nil {
		s.locks.UnlockAll(token)
		return nil, err
	}

	initiatedBy := req.InitiatedBy
	if initiatedBy == "" {
		initiatedBy = "system"
	}
	version := req.Version
	if version == "" {
		version = req.Payload.Version
	}
	scheduled := s.now()

	deployment := &models.Deployment{
		ClusterID:       req.ClusterID,
		DeploymentType:  req.DeploymentType,
		Version:         version,
		Status:          models.DeploymentStatusPending,
		TotalSteps:      models.StepsPerNode * len(nodes),
		ScheduledAt:     &scheduled,
		InitiatedBy:     initiatedBy,
		Payload:         req.Payload,
		RollbackPayload: rollbackPayload,
		RollbackOf:      rollbackOf,
	}
	for i, n := range nodes {
		deployment.Targets = append(deployment.Targets, models.DeploymentTarget{NodeID: n.ID, Ordinal: i})
	}

	if err := s.store.CreateDeployment(deployment); err != nil {
		s.locks.UnlockAll(token)
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"deployment_id": deployment.ID,
		"type":          deployment.DeploymentType,
		"nodes":         len(nodes),
		"initiated_by":  initiatedBy,
	}).Info("Deployment created")

	s.launch(deployment, nodes, token)
	return deployment, nil
}

func (s *DeploymentService) launch(d *models.Deployment, nodes []models.Node, token string) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel}

	s.mu.Lock()
	s.runs[d.ID] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.locks.UnlockAll(token)
		defer func() {
			s.mu.Lock()
			delete(s.runs, d.ID)
			s.mu.Unlock()
		}()

		s.execute(ctx, r, d, nodes, token)
	}()
}

func (s *DeploymentService) execute(ctx context.Context, r *run, d *models.Deployment, nodes []models.Node, token string) {
	log := s.logger.WithField("deployment_id", d.ID)

	started := s.now()
	ok, err := s.store.TransitionDeployment(d.ID, models.DeploymentStatusPending, models.DeploymentStatusInProgress, map[string]interface{}{
		"started_at": &started,
	})
	if err != nil {
		log.WithError(err).Error("Failed to start deployment")
		return
	}
	if !ok {
		// cancelled before it began
		log.Info("Deployment no longer pending, not starting")
		return
	}

	runErr := s.rollout(ctx, r, d, nodes, token)
	s.finish(d, runErr)
}

// rollout walks the nodes, sequentially or with bounded parallelism. The
// first hard failure stops nodes that have not begun yet.
func (s *DeploymentService) rollout(ctx context.Context, r *run, d *models.Deployment, nodes []models.Node, token string) error {
	if s.config.Parallelism == 1 || len(nodes) == 1 {
		for i := range nodes {
			if err := s.checkCancelled(ctx, r); err != nil {
				return err
			}
			if err := s.runNode(ctx, r, d, nodes[i].ID, token); err != nil {
				return err
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	sem := make(chan struct{}, s.config.Parallelism)

	for i := range nodes {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.runNode(ctx, r, d, id, token); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(nodes[i].ID)
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return s.checkCancelled(ctx, r)
}

// runNode performs stop, update and start on one node. Stop is best
// effort and always counts; update and start failures are fatal.
func (s *DeploymentService) runNode(ctx context.Context, r *run, d *models.Deployment, nodeID uint, token string) error {
	defer s.locks.Unlock(token, nodeID)

	node, err := s.store.GetNode(nodeID)
	if err != nil {
		return errors.Wrapf(err, "load node %d", nodeID)
	}

	// stop
	if err := s.step(d.ID, "stopping "+node.Name); err != nil {
		return err
	}
	stopErr := s.actions.Quiesce(ctx, node)
	s.record(d.ID, node.ID, models.StepStop, stopErr)
	if stopErr != nil {
		s.logger.WithFields(map[string]interface{}{
			"deployment_id": d.ID,
			"node":          node.Name,
		}).WithError(stopErr).Warn("Stop failed, continuing")
	}
	if err := s.advance(d.ID); err != nil {
		return err
	}

	// update
	if err := s.checkCancelled(ctx, r); err != nil {
		return err
	}
	if err := s.step(d.ID, "updating "+node.Name); err != nil {
		return err
	}
	updateErr := s.applier.Apply(ctx, node, d.Payload)
	s.record(d.ID, node.ID, models.StepUpdate, updateErr)
	if updateErr != nil {
		if err := s.checkCancelled(ctx, r); err != nil {
			return err
		}
		return errors.Wrapf(updateErr, "update of node %s failed", node.Name)
	}
	if err := s.advance(d.ID); err != nil {
		return err
	}

	// start
	if err := s.checkCancelled(ctx, r); err != nil {
		return err
	}
	if err := s.step(d.ID, "starting "+node.Name); err != nil {
		return err
	}
	node, err = s.store.GetNode(nodeID)
	if err != nil {
		return errors.Wrapf(err, "load node %d", nodeID)
	}
	startErr := s.actions.Start(ctx, node)
	s.record(d.ID, node.ID, models.StepStart, startErr)
	if startErr != nil {
		if err := s.checkCancelled(ctx, r); err != nil {
			return err
		}
		return errors.Wrapf(startErr, "start of node %s failed", node.Name)
	}
	return s.advance(d.ID)
}

func (s *DeploymentService) step(id uint, description string) error {
	return s.store.SetDeploymentStep(id, description)
}

func (s *DeploymentService) advance(id uint) error {
	if _, err := s.store.IncrementDeploymentSteps(id); err != nil {
		return errors.Wrap(err, "record progress")
	}
	return nil
}

func (s *DeploymentService) record(deploymentID, nodeID uint, step string, stepErr error) {
	entry := &models.DeploymentLog{
		DeploymentID: deploymentID,
		NodeID:       nodeID,
		Step:         step,
		OK:           stepErr == nil,
		Message:      "ok",
	}
	if stepErr != nil {
		entry.Message = stepErr.Error()
	}
	if err := s.store.AppendDeploymentLog(entry); err != nil {
		s.logger.WithField("deployment_id", deploymentID).WithError(err).Warn("Failed to append deployment log")
	}
}

func (s *DeploymentService) checkCancelled(ctx context.Context, r *run) error {
	if ctx.Err() == nil {
		return nil
	}
	switch {
	case r.cancelled.Load():
		return ErrDeploymentCancelled
	case s.closing.Load():
		return errors.New(interruptedByShutdown)
	default:
		return ctx.Err()
	}
}

func (s *DeploymentService) finish(d *models.Deployment, runErr error) {
	log := s.logger.WithField("deployment_id", d.ID)
	completed := s.now()

	if runErr == nil {
		ok, err := s.store.TransitionDeployment(d.ID, models.DeploymentStatusInProgress, models.DeploymentStatusCompleted, map[string]interface{}{
			"success":      true,
			"completed_at": &completed,
			"current_step": "completed",
		})
		if err != nil || !ok {
			log.WithError(err).Error("Failed to mark deployment completed")
			return
		}
		log.Info("Deployment completed")
		s.notifier.Publish(notify.Event{
			Type:         notify.EventDeploymentCompleted,
			ClusterID:    d.ClusterID,
			DeploymentID: &d.ID,
			Summary:      fmt.Sprintf("deployment %d (%s) completed on %d nodes", d.ID, d.DeploymentType, len(d.Targets)),
		})
		if d.RollbackOf != nil {
			s.markRolledBack(*d.RollbackOf, d.ID)
		}
		return
	}

	ok, err := s.store.TransitionDeployment(d.ID, models.DeploymentStatusInProgress, models.DeploymentStatusFailed, map[string]interface{}{
		"success":       false,
		"error_message": runErr.Error(),
		"completed_at":  &completed,
	})
	if err != nil || !ok {
		log.WithError(err).Error("Failed to mark deployment failed")
		return
	}
	log.WithError(runErr).Warn("Deployment failed")
	s.notifier.Publish(notify.Event{
		Type:         notify.EventDeploymentFailed,
		ClusterID:    d.ClusterID,
		DeploymentID: &d.ID,
		Summary:      fmt.Sprintf("deployment %d (%s) failed: %v", d.ID, d.DeploymentType, runErr),
	})
}

func (s *DeploymentService) markRolledBack(originalID, rollbackID uint) {
	ok, err := s.store.TransitionDeployment(originalID, models.DeploymentStatusFailed, models.DeploymentStatusRolledBack, nil)
	if err != nil || !ok {
		s.logger.WithField("deployment_id", originalID).WithError(err).Error("Failed to mark deployment rolled back")
		return
	}

	original, err := s.store.GetDeployment(originalID, false)
	var clusterID *uint
	if err == nil {
		clusterID = original.ClusterID
	}
	s.notifier.Publish(notify.Event{
		Type:         notify.EventDeploymentRolledBack,
		ClusterID:    clusterID,
		DeploymentID: &originalID,
		Summary:      fmt.Sprintf("deployment %d rolled back by deployment %d", originalID, rollbackID),
		Attributes:   map[string]string{"rollback_deployment_id": fmt.Sprint(rollbackID)},
	})
}

// CancelDeployment asks a deployment to stop. A running rollout notices
// between steps and fails with ErrDeploymentCancelled; a deployment that
// has not started yet fails immediately.
func (s *DeploymentService) CancelDeployment(id uint) error {
	d, err := s.store.GetDeployment(id, false)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return errors.Wrapf(ErrDeploymentTerminal, "deployment %d is %s", id, d.Status)
	}

	s.mu.Lock()
	r, running := s.runs[id]
	s.mu.Unlock()

	if running {
		r.cancelled.Store(true)
		r.cancel()
		s.logger.WithField("deployment_id", id).Info("Deployment cancellation requested")
		return nil
	}

	// no goroutine owns it, so fail it directly
	completed := s.now()
	ok, err := s.store.TransitionDeployment(id, d.Status, models.DeploymentStatusFailed, map[string]interface{}{
		"success":       false,
		"error_message": ErrDeploymentCancelled.Error(),
		"completed_at":  &completed,
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrDeploymentTerminal, "deployment %d changed state", id)
	}
	return nil
}

// RollbackDeployment re-runs a failed deployment's node set with the
// payload of the last deployment that completed on all of those nodes.
// The failed deployment becomes RolledBack once the rollback completes.
func (s *DeploymentService) RollbackDeployment(id uint, initiatedBy string) (*models.Deployment, error) {
	d, err := s.store.GetDeployment(id, false)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DeploymentStatusFailed {
		return nil, errors.Wrapf(ErrNotRollbackable, "deployment %d is %s", id, d.Status)
	}
	if d.RollbackPayload == nil {
		return nil, errors.Wrapf(ErrNotRollbackable, "deployment %d has no known-good payload", id)
	}

	return s.create(CreateDeploymentRequest{
		NodeIDs:        d.NodeIDs(),
		DeploymentType: "rollback",
		Version:        d.RollbackPayload.Version,
		Payload:        *d.RollbackPayload,
		InitiatedBy:    initiatedBy,
		ClusterID:      d.ClusterID,
	}, &d.ID)
}

// GetDeploymentStatus returns the progress view of a deployment
func (s *DeploymentService) GetDeploymentStatus(id uint) (*DeploymentStatus, error) {
	d, err := s.store.GetDeployment(id, false)
	if err != nil {
		return nil, err
	}
	return &DeploymentStatus{
		ID:             d.ID,
		Status:         d.Status,
		CompletedSteps: d.CompletedSteps,
		TotalSteps:     d.TotalSteps,
		CurrentStep:    d.CurrentStep,
		ErrorMessage:   d.ErrorMessage,
		Success:        d.Success,
		Progress:       d.Progress(),
	}, nil
}

// GetDeployment returns a deployment with its targets and step log
func (s *DeploymentService) GetDeployment(id uint) (*models.Deployment, error) {
	return s.store.GetDeployment(id, true)
}

// ListDeployments returns deployments newest first
func (s *DeploymentService) ListDeployments(opts DeploymentListOptions) ([]models.Deployment, error) {
	return s.store.ListDeployments(storage.DeploymentFilter{
		ClusterID: opts.ClusterID,
		Status:    opts.Status,
		Limit:     opts.Limit,
	})
}

// RecoverInterrupted fails deployments a previous process left unfinished
// and moves their nodes out of transient statuses. It must run before any
// new deployment is created.
func (s *DeploymentService) RecoverInterrupted() (int, error) {
	recovered := 0
	for _, status := range []models.DeploymentStatus{models.DeploymentStatusPending, models.DeploymentStatusInProgress} {
		deployments, err := s.store.ListDeployments(storage.DeploymentFilter{Status: status})
		if err != nil {
			return recovered, err
		}

		for _, d := range deployments {
			completed := s.now()
			ok, err := s.store.TransitionDeployment(d.ID, status, models.DeploymentStatusFailed, map[string]interface{}{
				"success":       false,
				"error_message": interruptedByRestart,
				"completed_at":  &completed,
			})
			if err != nil {
				return recovered, err
			}
			if !ok {
				continue
			}
			recovered++

			for _, nodeID := range d.NodeIDs() {
				node, err := s.store.GetNode(nodeID)
				if err != nil {
					continue
				}
				if node.Status == models.NodeStatusStarting || node.Status == models.NodeStatusStopping {
					if err := s.registry.SetNodeStatus(nodeID, models.NodeStatusError); err != nil {
						s.logger.WithField("node_id", nodeID).WithError(err).Warn("Failed to reset interrupted node")
					}
				}
			}
		}
	}

	if recovered > 0 {
		s.logger.WithField("count", recovered).Warn("Marked interrupted deployments as failed")
	}
	return recovered, nil
}

// Wait blocks until every running deployment has finished
func (s *DeploymentService) Wait() {
	s.wg.Wait()
}

// Close interrupts running deployments and waits for them to record their
// final state.
func (s *DeploymentService) Close() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	for _, r := range s.runs {
		r.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}
