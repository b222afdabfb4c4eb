package main

import (
	"context"
	"net/http"

	"github.com/dsyorkd/fleet-controller/internal/api/handlers"
	"github.com/dsyorkd/fleet-controller/internal/artifacts"
	"github.com/dsyorkd/fleet-controller/internal/config"
	"github.com/dsyorkd/fleet-controller/internal/controller"
	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/executor"
	"github.com/dsyorkd/fleet-controller/internal/health"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/internal/notify"
	"github.com/dsyorkd/fleet-controller/internal/services"
	"github.com/dsyorkd/fleet-controller/internal/storage"
	"github.com/dsyorkd/fleet-controller/internal/websocket"
)

// app holds every long-lived component of a controller process
type app struct {
	log logger.Interface

	db        *storage.Database
	vault     *storage.Vault
	exec      *executor.SSHExecutor
	artifacts *artifacts.Client
	journal   *notify.Journal
	hub       *websocket.Hub
	notifier  *notify.Dispatcher

	clusters    *services.ClusterService
	nodes       *services.NodeService
	deployments *services.DeploymentService
	controller  *controller.Controller
	registrar   *controller.Registrar
}

// buildApp wires the stack. On error everything opened so far is closed.
func buildApp(cfg *config.Config, log logger.Interface) (a *app, err error) {
	a = &app{log: log}
	defer func() {
		if err != nil {
			a.Close()
			a = nil
		}
	}()

	if a.db, err = storage.New(&cfg.Database, log); err != nil {
		return nil, errors.Wrapf(err, "failed to initialize database")
	}
	log.Info("Database initialized successfully")

	if a.vault, err = storage.NewVault(&cfg.Vault, log); err != nil {
		return nil, errors.Wrapf(err, "failed to open credential vault")
	}

	a.exec = executor.NewSSHExecutor(cfg.SSH, a.vault, log)
	lifecycle, err := executor.NewLifecycle(a.exec, cfg.Executor, cfg.SSH.User)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse executor commands")
	}

	var source executor.ArtifactSource
	if cfg.Artifacts.Enabled {
		if a.artifacts, err = artifacts.NewClient(cfg.Artifacts, log); err != nil {
			return nil, errors.Wrapf(err, "failed to create artifact client")
		}
		source = a.artifacts
	}
	applier := executor.NewPayloadApplier(a.exec, lifecycle, source, log)
	probe := health.NewProbe(cfg.Health, lifecycle, log)

	sinks := []notify.Sink{notify.NewLogSink(log)}
	if cfg.Notify.JournalPath != "" {
		if a.journal, err = notify.OpenJournal(cfg.Notify.JournalPath, cfg.Notify.JournalMaxEvents); err != nil {
			return nil, errors.Wrapf(err, "failed to open event journal")
		}
		sinks = append(sinks, a.journal)
	}
	if cfg.Notify.WebSocket {
		a.hub = websocket.NewHub(cfg.WebSocket, log)
		sinks = append(sinks, a.hub)
	}
	a.notifier = notify.NewDispatcher(cfg.Notify, log, sinks...)

	locks := services.NewNodeLocks()
	registry := services.NewNodeRegistry(a.db, log)
	actions := services.NewNodeActions(registry, lifecycle, log)

	a.controller = controller.New(a.db, registry, actions, probe, locks, a.notifier, cfg.Controller, log)
	a.registrar = controller.NewRegistrar(a.db, a.notifier, log)
	a.clusters = services.NewClusterService(a.db, a.controller, log).
		WithStalenessWindow(cfg.Controller.Staleness())
	a.nodes = services.NewNodeService(a.db, registry, actions, probe, locks, log)
	a.deployments = services.NewDeploymentService(a.db, registry, actions, applier, locks, a.notifier, cfg.Deployment, log)

	return a, nil
}

// checks lists the readiness checks served on /ready
func (a *app) checks() map[string]handlers.Checker {
	checks := map[string]handlers.Checker{
		"database": func(context.Context) error { return a.db.Health() },
	}
	if a.artifacts != nil {
		checks["artifacts"] = a.artifacts.Healthy
	}
	return checks
}

// websocketHandler returns nil when the hub is disabled so the route is skipped
func (a *app) websocketHandler() http.Handler {
	if a.hub == nil {
		return nil
	}
	return a.hub
}

func (a *app) eventLister() handlers.EventLister {
	if a.journal == nil {
		return nil
	}
	return a.journal
}

// Close releases components in reverse dependency order
func (a *app) Close() {
	if a.deployments != nil {
		a.deployments.Close()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close event journal")
		}
	}
	if a.exec != nil {
		if err := a.exec.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close SSH connections")
		}
	}
	if a.vault != nil {
		if err := a.vault.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close credential vault")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close database")
		}
	}
}
