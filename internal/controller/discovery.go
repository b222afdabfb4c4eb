package controller

import (
	"fmt"
	"strings"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/models"
	"github.com/dsyorkd/fleet-controller/internal/notify"
	"github.com/dsyorkd/fleet-controller/internal/storage"
	"github.com/dsyorkd/fleet-controller/pkg/discovery"
)

// Registrar turns discovered hosts into unassigned Offline nodes
type Registrar struct {
	store    storage.Store
	notifier notify.Publisher
	logger   logger.Interface
}

// NewRegistrar creates a registrar
func NewRegistrar(store storage.Store, notifier notify.Publisher, log logger.Interface) *Registrar {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Registrar{
		store:    store,
		notifier: notifier,
		logger:   log.WithField("component", "registrar"),
	}
}

// HandleEvent is a discovery.NodeEventHandler
func (r *Registrar) HandleEvent(event discovery.NodeEvent) {
	if event.Type != discovery.NodeDiscovered {
		return
	}
	if _, err := r.Register(event.Node); err != nil {
		r.logger.WithField("host", event.Node.IPAddress).WithError(err).Warn("Failed to register discovered node")
	}
}

// Register creates a node for d unless one with the same host exists. It
// returns nil when the host is already known.
func (r *Registrar) Register(d discovery.Node) (*models.Node, error) {
	if d.IPAddress == "" {
		return nil, errors.NewValidationError("ip_address", d.IPAddress, "is required")
	}

	_, err := r.store.FindNodeByHost(d.IPAddress)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = "node-" + strings.ReplaceAll(d.IPAddress, ".", "-")
	}
	sshPort := d.SSHPort()
	if sshPort == 0 {
		sshPort = models.DefaultSSHPort
	}

	node := &models.Node{
		Name:        name,
		Host:        d.IPAddress,
		Status:      models.NodeStatusOffline,
		Role:        models.NodeRoleMember,
		SSHPort:     sshPort,
		ServiceName: d.TXTRecords[discovery.TXTService],
		CPUCores:    d.Cores(),
		MemoryGB:    d.MemoryGB(),
		Priority:    models.DefaultPriority,
		Weight:      models.DefaultWeight,
	}
	if err := r.store.CreateNode(node); err != nil {
		return nil, err
	}

	r.logger.WithFields(map[string]interface{}{
		"node": node.Name,
		"host": node.Host,
	}).Info("Registered discovered node")
	r.notifier.Publish(notify.Event{
		Type:    notify.EventNodeDiscovered,
		NodeID:  &node.ID,
		Summary: fmt.Sprintf("discovered node %s at %s", node.Name, node.Host),
		Attributes: map[string]string{
			"discovery_id": d.ID,
		},
	})
	return node, nil
}
