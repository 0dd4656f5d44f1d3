// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package api wires the control-plane subsystems behind the HTTP
// surface described in the external interfaces section: provisioning,
// peer health, lease issuance, and the composite swarm health/timeline
// views.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/overlayctl/hub/internal/audit"
	"github.com/overlayctl/hub/internal/health"
	"github.com/overlayctl/hub/internal/hubpeer"
	"github.com/overlayctl/hub/internal/ippool"
	"github.com/overlayctl/hub/internal/lease"
	"github.com/overlayctl/hub/internal/provisioning"
	"github.com/overlayctl/hub/internal/timeline"
)

// Config holds the HTTP-layer settings; distinct from the process-wide
// config so the api package never imports cmd-level wiring.
type Config struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MetricsEnabled bool
}

// Server is the chi-routed HTTP front end over the core subsystems.
type Server struct {
	router *chi.Mux
	cfg    Config

	pool         *ippool.Pool
	hub          *hubpeer.Registry
	provisioning *provisioning.Service
	leaseIssuer  *lease.Issuer
	aggregator   *health.Aggregator
	thresholds   *health.ThresholdStore
	timelineLog  *timeline.Log
	auditLogger  *audit.Logger

	httpServer *http.Server
}

// Deps bundles the collaborators a Server routes requests to. AuditLogger
// is stored but not used by any handler; a nil Aggregator makes the
// health and monitoring endpoints answer 503.
type Deps struct {
	Pool         *ippool.Pool
	Hub          *hubpeer.Registry
	Provisioning *provisioning.Service
	LeaseIssuer  *lease.Issuer
	Aggregator   *health.Aggregator
	Thresholds   *health.ThresholdStore
	TimelineLog  *timeline.Log
	AuditLogger  *audit.Logger
}

// New constructs a Server and registers all routes.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		cfg:          cfg,
		pool:         deps.Pool,
		hub:          deps.Hub,
		provisioning: deps.Provisioning,
		leaseIssuer:  deps.LeaseIssuer,
		aggregator:   deps.Aggregator,
		thresholds:   deps.Thresholds,
		timelineLog:  deps.TimelineLog,
		auditLogger:  deps.AuditLogger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleProcessHealth)

	if s.cfg.MetricsEnabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Route("/wireguard", func(r chi.Router) {
		r.Post("/provision", s.handleProvision)
		r.Get("/peers", s.handleListPeers)
		r.Delete("/peers/{node_id}", s.handleDeprovision)
		r.Get("/pool/stats", s.handlePoolStats)
		r.Get("/health", s.handleWireGuardHealth)
	})

	s.router.Route("/tasks", func(r chi.Router) {
		r.Post("/lease", s.handleIssueLease)
	})

	s.router.Route("/swarm", func(r chi.Router) {
		r.Get("/health", s.handleSwarmHealth)
		r.Get("/timeline", s.handleTimelineQuery)
		r.Get("/alerts/thresholds", s.handleGetThresholds)
		r.Put("/alerts/thresholds", s.handlePutThresholds)
		r.Get("/monitoring/status", s.handleMonitoringStatus)
	})
}

// Start runs the HTTP server until it is shut down or fails.
func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying router, primarily for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleProcessHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
