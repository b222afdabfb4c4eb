package controller

import (
	"context"
	"sync"
	"time"

	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// Manager runs the controller loop until stopped
type Manager struct {
	controller *Controller
	config     Config
	logger     logger.Interface

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager creates a loop manager for controller
func NewManager(controller *Controller, config Config, log logger.Interface) *Manager {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = DefaultConfig().ErrorBackoff
	}
	return &Manager{
		controller: controller,
		config:     config,
		logger:     log.WithField("component", "controller-manager"),
	}
}

// Start launches the loop in the background. The first tick runs
// immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.New("controller manager is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	m.logger.WithFields(map[string]interface{}{
		"interval":      m.config.Interval.String(),
		"error_backoff": m.config.ErrorBackoff.String(),
	}).Info("Starting controller loop")

	go m.loop(ctx, m.done)
	return nil
}

func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		wait := m.config.Interval
		report, err := m.controller.Tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.WithError(err).Warn("Controller tick failed, backing off")
			wait = m.config.ErrorBackoff
		} else {
			m.logger.WithFields(map[string]interface{}{
				"clusters": len(report.Decisions),
				"duration": report.Duration,
			}).Debug("Controller tick finished")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("Controller loop stopped")
			return
		case <-timer.C:
		}
	}
}

// Stop ends the loop and waits for the current tick to finish
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}
