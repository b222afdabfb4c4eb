package services

import (
	"context"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/executor"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
)

// Lifecycle issues service commands on a node
type Lifecycle interface {
	Start(ctx context.Context, node *models.Node) executor.Result
	Stop(ctx context.Context, node *models.Node) executor.Result
}

// NodeActions runs lifecycle commands and records the resulting status
// changes through the registry. Callers are expected to hold the node's
// lock for the duration of an action.
type NodeActions struct {
	registry  *NodeRegistry
	lifecycle Lifecycle
	logger    logger.Interface
}

// NewNodeActions creates the lifecycle action runner
func NewNodeActions(registry *NodeRegistry, lifecycle Lifecycle, logger logger.Interface) *NodeActions {
	return &NodeActions{
		registry:  registry,
		lifecycle: lifecycle,
		logger:    logger.WithField("service", "node_actions"),
	}
}

// Start moves the node to Starting, starts its service and then records
// Online or Error depending on the command's outcome.
func (a *NodeActions) Start(ctx context.Context, node *models.Node) error {
	if err := a.registry.SetNodeStatus(node.ID, models.NodeStatusStarting); err != nil {
		return err
	}

	res := a.lifecycle.Start(ctx, node)
	return a.finish(node, "start", res, models.NodeStatusOnline)
}

// Stop moves the node to Stopping, stops its service and then records
// Offline or Error.
func (a *NodeActions) Stop(ctx context.Context, node *models.Node) error {
	if err := a.registry.SetNodeStatus(node.ID, models.NodeStatusStopping); err != nil {
		return err
	}

	res := a.lifecycle.Stop(ctx, node)
	return a.finish(node, "stop", res, models.NodeStatusOffline)
}

// Quiesce makes sure the node's service is not running. Online nodes go
// through Stop; for any other status the stop command is issued without a
// status change, since stopping a stopped service is a no-op.
func (a *NodeActions) Quiesce(ctx context.Context, node *models.Node) error {
	current, err := a.registry.GetNode(node.ID)
	if err != nil {
		return err
	}
	if current.Status == models.NodeStatusOnline {
		return a.Stop(ctx, current)
	}

	res := a.lifecycle.Stop(ctx, current)
	if !res.OK {
		return res.Err(current.Host, "stop")
	}
	return nil
}

// Restart stops the node if it is serving and starts it again
func (a *NodeActions) Restart(ctx context.Context, node *models.Node) error {
	if node.Status == models.NodeStatusOnline {
		if err := a.Stop(ctx, node); err != nil {
			return err
		}
	}
	return a.Start(ctx, node)
}

func (a *NodeActions) finish(node *models.Node, action string, res executor.Result, success models.NodeStatus) error {
	log := a.logger.WithFields(map[string]interface{}{
		"node":   node.Name,
		"action": action,
	})

	if res.OK {
		if err := a.registry.SetNodeStatus(node.ID, success); err != nil {
			return err
		}
		log.Info("Node action succeeded")
		return nil
	}

	cmdErr := res.Err(node.Host, action)
	log.WithError(cmdErr).Warn("Node action failed")
	if err := a.registry.SetNodeStatus(node.ID, models.NodeStatusError); err != nil {
		return errors.Wrapf(cmdErr, "additionally failed to record error status: %v", err)
	}
	return cmdErr
}
