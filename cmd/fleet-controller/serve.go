package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsyorkd/fleet-controller/internal/api"
	"github.com/dsyorkd/fleet-controller/internal/controller"
	"github.com/dsyorkd/fleet-controller/internal/errors"
	"github.com/dsyorkd/fleet-controller/internal/logger"
	"github.com/dsyorkd/fleet-controller/pkg/discovery"
)

const shutdownTimeout = 30 * time.Second

func runServer(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadEnvironment()
	if err != nil {
		return err
	}

	log.WithFields(map[string]interface{}{
		"version": version,
		"commit":  commit,
		"date":    date,
	}).Info("Starting Fleet Controller")
	log.WithField("data_dir", cfg.App.DataDir).Info("Configuration loaded")

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.deployments.RecoverInterrupted(); err != nil {
		return errors.Wrapf(err, "failed to recover interrupted deployments")
	} else if n > 0 {
		log.WithField("count", n).Warn("Marked interrupted deployments as failed")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverErrors := make(chan error, 2)

	apiServer, err := api.New(&cfg.API, log, api.Dependencies{
		Clusters:    a.clusters,
		Nodes:       a.nodes,
		Deployments: a.deployments,
		Controller:  a.controller,
		Events:      a.eventLister(),
		Credentials: a.vault,
		WebSocket:   a.websocketHandler(),
		Checks:      a.checks(),
		Version:     version,
		Debug:       cfg.App.Debug,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create API server")
	}
	go func() {
		log.WithField("address", cfg.API.GetAddress()).Info("Starting REST API server")
		if err := apiServer.Start(); err != nil {
			serverErrors <- errors.Wrapf(err, "API server error")
		}
	}()

	manager := controller.NewManager(a.controller, cfg.Controller, log)
	if err := manager.Start(ctx); err != nil {
		return errors.Wrapf(err, "failed to start controller loop")
	}
	defer manager.Stop()

	var discoveryService *discovery.Service
	if cfg.Discovery.Enabled {
		discoveryService, err = discovery.NewService(&cfg.Discovery, logger.NewLogrusBridge(log, cfg.Log.Level))
		if err != nil {
			return errors.Wrapf(err, "failed to create discovery service")
		}
		discoveryService.AddEventHandler(a.registrar.HandleEvent)
		if err := discoveryService.Start(ctx); err != nil {
			return errors.Wrapf(err, "failed to start discovery service")
		}
	}

	log.Info("All services started successfully")

	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case err := <-serverErrors:
		log.WithError(err).Error("Server error occurred")
	}

	log.Info("Initiating graceful shutdown...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if discoveryService != nil {
		if err := discoveryService.Stop(); err != nil {
			log.WithError(err).Error("Error stopping discovery service")
		}
	}
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping API server")
	}
	manager.Stop()

	log.Info("Fleet Controller shutdown complete")
	return nil
}
