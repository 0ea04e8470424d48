// Package server runs the rdmalink daemon: an RDMA server that receives
// layers into the output directory, and the admin HTTP endpoint serving
// health, metrics and the connection registry.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmalink/internal/config"
	"github.com/piwi3910/rdmalink/internal/hardware"
	"github.com/piwi3910/rdmalink/internal/health"
	"github.com/piwi3910/rdmalink/internal/layer"
	"github.com/piwi3910/rdmalink/internal/metrics"
	"github.com/piwi3910/rdmalink/internal/reactor"
	"github.com/piwi3910/rdmalink/internal/shutdown"
	"github.com/piwi3910/rdmalink/internal/transport/rdma"
)

// Version is the current version of rdmalink
const Version = "0.1.0"

// Server is the rdmalink daemon
type Server struct {
	cfg *config.Config

	// RDMA
	backend  rdma.VerbsBackend
	pool     *reactor.Pool
	rdma     *rdma.Server
	receiver *layer.Receiver

	detector      *hardware.Detector
	healthChecker *health.Checker
	coordinator   *shutdown.Coordinator

	adminServer   *http.Server
	adminListener net.Listener

	startOnce sync.Once
	startErr  error
}

// Option customizes a Server.
type Option func(*Server)

// WithBackend makes the daemon use backend instead of creating one from the
// configuration. The caller keeps ownership of backend.
func WithBackend(backend rdma.VerbsBackend) Option {
	return func(s *Server) { s.backend = backend }
}

// WithShutdownConfig overrides the shutdown phase timeouts.
func WithShutdownConfig(cfg shutdown.Config) Option {
	return func(s *Server) { s.coordinator = shutdown.NewCoordinator(cfg) }
}

// New creates the daemon. Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	srv := &Server{cfg: cfg}

	for _, opt := range opts {
		opt(srv)
	}

	nodeID, err := os.Hostname()
	if err != nil {
		nodeID = "rdmalinkd"
	}

	metrics.Init(nodeID)
	log.Info().Str("node_id", nodeID).Msg("Metrics initialized")

	if srv.backend == nil {
		srv.backend, err = rdma.NewBackend(cfg.RDMA.Backend)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize verbs backend: %w", err)
		}
	}

	if err := cfg.EnsureOutputDir(); err != nil {
		return nil, err
	}

	srv.receiver, err = layer.NewReceiver(layer.ReceiverConfig{
		OutputDir:    cfg.Transfer.OutputDir,
		MaxLayerSize: uint64(cfg.Transfer.MaxLayerSize), //nolint:gosec // G115: validated positive
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize layer receiver: %w", err)
	}

	srv.pool = reactor.NewPool("rdma", cfg.Server.Loops)

	rdmaCfg := rdma.DefaultServerConfig()
	rdmaCfg.Backend = srv.backend
	rdmaCfg.GIDs = rdma.DefaultGIDTable(srv.backend, cfg.RDMA.SysfsRoot)
	rdmaCfg.Handler = srv.receiver
	rdmaCfg.ListenAddress = cfg.Server.ListenAddress
	rdmaCfg.DeviceName = cfg.RDMA.DeviceName
	rdmaCfg.Port = cfg.RDMA.Port
	rdmaCfg.SlotSize = cfg.RDMA.SlotSize
	rdmaCfg.SlotCount = cfg.RDMA.SlotCount

	srv.rdma, err = rdma.NewServer(srv.pool, rdmaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RDMA server: %w", err)
	}

	srv.detector = hardware.NewDetector(hardware.NewSysfs(cfg.RDMA.SysfsRoot))

	backend, device := srv.backend, cfg.RDMA.DeviceName
	srv.healthChecker = health.NewChecker(srv.rdma, func(_ context.Context) error {
		return rdma.ProbeDevice(backend, device)
	})

	if srv.coordinator == nil {
		srv.coordinator = shutdown.NewCoordinator(shutdown.DefaultConfig())
	}

	srv.coordinator.RegisterHook(shutdown.PhaseDraining, func(_ context.Context) error {
		srv.healthChecker.SetDraining()
		return nil
	})

	srv.setupAdminServer()

	return srv, nil
}

func (s *Server) setupAdminServer() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check handlers
	healthHandler := health.NewHandler(s.healthChecker)
	r.Get("/health", healthHandler.HealthHandler)
	r.Get("/health/live", healthHandler.LivenessHandler)
	r.Get("/health/ready", healthHandler.ReadinessHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connections", s.handleConnections)
		r.Get("/connections/{name}", s.handleConnection)
		r.Get("/devices", s.handleDevices)
	})

	s.adminServer = &http.Server{
		Addr:         s.cfg.Admin.Address,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

// Handler returns the admin router.
func (s *Server) Handler() http.Handler {
	return s.adminServer.Handler
}

// Start starts the loops, the RDMA server and, when enabled, the admin
// listener. It does not block.
func (s *Server) Start(ctx context.Context) error {
	s.startOnce.Do(func() { s.startErr = s.start(ctx) })
	return s.startErr
}

func (s *Server) start(ctx context.Context) error {
	s.pool.Start()
	s.detector.Start()

	if err := s.rdma.Start(ctx); err != nil {
		s.detector.Stop()
		s.pool.Stop()

		return fmt.Errorf("failed to start RDMA server: %w", err)
	}

	log.Info().
		Str("address", s.rdma.Addr().String()).
		Str("device", s.cfg.RDMA.DeviceName).
		Str("backend", s.cfg.RDMA.Backend).
		Int("loops", s.pool.Size()).
		Str("output_dir", s.cfg.Transfer.OutputDir).
		Msg("RDMA server listening")

	if !s.cfg.Admin.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Admin.Address)
	if err != nil {
		_ = s.rdma.Stop()
		s.detector.Stop()
		s.pool.Stop()

		return fmt.Errorf("failed to listen on admin address %s: %w", s.cfg.Admin.Address, err)
	}

	s.adminListener = ln
	log.Info().Str("address", ln.Addr().String()).Msg("Admin API listening, Prometheus metrics available at /metrics")

	return nil
}

// RDMAAddr returns the bootstrap listener address once started.
func (s *Server) RDMAAddr() net.Addr {
	return s.rdma.Addr()
}

// AdminAddr returns the admin listener address, or nil when the admin API
// is disabled or not started.
func (s *Server) AdminAddr() net.Addr {
	if s.adminListener == nil {
		return nil
	}

	return s.adminListener.Addr()
}

// Receiver returns the layer receiver.
func (s *Server) Receiver() *layer.Receiver {
	return s.receiver
}

// Coordinator returns the shutdown coordinator.
func (s *Server) Coordinator() *shutdown.Coordinator {
	return s.coordinator
}

// Run starts the daemon and serves until ctx is cancelled, then shuts
// down in phases.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if s.adminListener != nil {
		g.Go(func() error {
			if err := s.adminServer.Serve(s.adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server error: %w", err)
			}

			return nil
		})
	}

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down rdmalinkd...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdown.DefaultConfig().TotalTimeout)
		defer cancel()

		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown drains in-flight transfers, then stops the RDMA server, the
// loops and the admin API.
func (s *Server) Shutdown(ctx context.Context) error {
	components := shutdown.ShutdownComponents{
		InFlightTracker: s.receiver,
		RDMA:            []shutdown.Stoppable{shutdown.StopFunc("rdma_server", s.rdma.Stop)},
		Bootstrap:       []shutdown.StoppableNoError{s.pool, s.detector},
	}

	if s.adminListener != nil {
		components.HTTPServers = []shutdown.HTTPServerShutdown{
			adminShutdown{Server: s.adminServer, listener: s.adminListener},
		}
	}

	return s.coordinator.Shutdown(ctx, components)
}

// adminShutdown also closes the listener, which Serve may never have
// taken over.
type adminShutdown struct {
	*http.Server
	listener net.Listener
}

func (a adminShutdown) Name() string { return "admin" }

func (a adminShutdown) Shutdown(ctx context.Context) error {
	err := a.Server.Shutdown(ctx)
	_ = a.listener.Close()

	return err
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Admin request")
	})
}
