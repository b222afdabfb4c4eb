package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/dsyorkd/fleet-controller/internal/api/handlers"
	"github.com/dsyorkd/fleet-controller/internal/api/middleware"
	"github.com/dsyorkd/fleet-controller/internal/config"
	"github.com/dsyorkd/fleet-controller/internal/logger"
)

// Dependencies are the services behind the routes. Events, Credentials and
// WebSocket are optional; their routes are only mounted when set.
type Dependencies struct {
	Clusters    handlers.ClusterService
	Nodes       handlers.NodeService
	Deployments handlers.DeploymentService
	Controller  handlers.Ticker
	Events      handlers.EventLister
	Credentials handlers.CredentialStore
	WebSocket   http.Handler
	Checks      map[string]handlers.Checker
	Version     string
	Debug       bool
}

// Server represents the REST API server
type Server struct {
	config  *config.APIConfig
	logger  logger.Interface
	deps    Dependencies
	router  *gin.Engine
	server  *http.Server
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
}

// New creates a new API server instance
func New(cfg *config.APIConfig, log logger.Interface, deps Dependencies) (*Server, error) {
	if deps.Debug {
		gin.SetMode(gin.DebugMode)
	} else if gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config: cfg,
		logger: log.WithField("component", "api"),
		deps:   deps,
		router: gin.New(),
	}

	if cfg.AuthEnabled {
		auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
			Secret: []byte(cfg.JWTSecret),
			Issuer: cfg.JWTIssuer,
		}, log)
		if err != nil {
			return nil, err
		}
		s.auth = auth
	}
	if cfg.RateLimitEnabled {
		rl := cfg.RateLimit
		s.limiter = middleware.NewRateLimiter(&rl, log)
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures all API routes and middleware
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.SecurityHeaders())

	if s.config.CORSEnabled {
		s.router.Use(middleware.CORS())
	}
	if s.config.GzipEnabled {
		s.router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/api/v1/ws"})))
	}

	// Health check endpoints (no auth required)
	health := handlers.NewHealthHandler(s.deps.Version, s.deps.Checks)
	s.router.GET("/health", health.Health)
	s.router.GET("/ready", health.Ready)

	v1 := s.router.Group("/api/v1")
	if s.auth != nil {
		v1.Use(s.auth.Auth())
	}
	if s.limiter != nil {
		v1.Use(s.limiter.RateLimit())
	}

	clusterHandler := handlers.NewClusterHandler(s.deps.Clusters, s.logger)
	clusters := v1.Group("/clusters")
	{
		clusters.GET("", clusterHandler.List)
		clusters.POST("", clusterHandler.Create)
		clusters.GET("/:id", clusterHandler.Get)
		clusters.PUT("/:id", clusterHandler.Update)
		clusters.DELETE("/:id", clusterHandler.Delete)
		clusters.GET("/:id/status", clusterHandler.Status)
		clusters.GET("/:id/balance", clusterHandler.Balance)
		clusters.GET("/:id/load-balancer", clusterHandler.GetLoadBalancer)
		clusters.PUT("/:id/load-balancer", clusterHandler.PutLoadBalancer)
	}

	nodeHandler := handlers.NewNodeHandler(s.deps.Nodes, s.logger)
	nodes := v1.Group("/nodes")
	{
		nodes.GET("", nodeHandler.List)
		nodes.POST("", nodeHandler.Create)
		nodes.GET("/:id", nodeHandler.Get)
		nodes.PUT("/:id", nodeHandler.Update)
		nodes.DELETE("/:id", nodeHandler.Delete)
		nodes.POST("/:id/start", nodeHandler.Start)
		nodes.POST("/:id/stop", nodeHandler.Stop)
		nodes.POST("/:id/restart", nodeHandler.Restart)
		nodes.PUT("/:id/status", nodeHandler.SetStatus)
		nodes.POST("/:id/probe", nodeHandler.Probe)
	}

	deploymentHandler := handlers.NewDeploymentHandler(s.deps.Deployments, s.logger)
	deployments := v1.Group("/deployments")
	{
		deployments.GET("", deploymentHandler.List)
		deployments.POST("", deploymentHandler.Create)
		deployments.GET("/:id", deploymentHandler.Get)
		deployments.GET("/:id/status", deploymentHandler.Status)
		deployments.POST("/:id/cancel", deploymentHandler.Cancel)
		deployments.POST("/:id/rollback", deploymentHandler.Rollback)
	}

	v1.POST("/controller/tick", handlers.NewControllerHandler(s.deps.Controller, s.logger).Tick)

	if s.deps.Events != nil {
		v1.GET("/events", handlers.NewEventHandler(s.deps.Events, s.logger).List)
	}
	if s.deps.Credentials != nil {
		credentials := handlers.NewCredentialHandler(s.deps.Credentials, s.logger)
		v1.PUT("/credentials/:ref", credentials.Put)
		v1.DELETE("/credentials/:ref", credentials.Delete)
	}
	if s.deps.WebSocket != nil {
		v1.GET("/ws", gin.WrapH(s.deps.WebSocket))
	}
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	readTimeout, err := time.ParseDuration(s.config.ReadTimeout)
	if err != nil {
		readTimeout = 30 * time.Second
	}

	writeTimeout, err := time.ParseDuration(s.config.WriteTimeout)
	if err != nil {
		writeTimeout = 30 * time.Second
	}

	s.server = &http.Server{
		Addr:         s.config.GetAddress(),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.WithFields(map[string]interface{}{
		"address": s.config.GetAddress(),
		"tls":     s.config.IsTLSEnabled(),
		"auth":    s.auth != nil,
	}).Info("Starting API server")

	if s.config.IsTLSEnabled() {
		err = s.server.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
	} else {
		err = s.server.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying Gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
