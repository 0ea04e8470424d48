// Package shutdown provides graceful shutdown coordination for rdmalink.
//
// The shutdown coordinator tears the daemon down in an order that never pulls
// an RDMA resource out from under a connection still using it. It implements a
// phased shutdown sequence:
//
//  1. Draining - Wait for in-flight layer transfers to complete
//  2. RDMA - Destroy RDMA connections (server registry, clients)
//  3. Bootstrap - Stop the event loops that drove the TCP handshakes
//  4. HTTP - Shutdown the admin HTTP server
//
// The coordinator tracks shutdown progress with metrics and respects configurable
// timeouts to prevent hanging during shutdown.
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseDraining       Phase = "draining"
	PhaseRDMA           Phase = "rdma"
	PhaseBootstrap      Phase = "bootstrap"
	PhaseHTTP           Phase = "http"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// DrainTimeout is the time to wait for in-flight transfers to complete.
	// Default: 15 seconds
	DrainTimeout time.Duration

	// RDMATimeout is the time to wait for each RDMA endpoint to stop.
	// Default: 10 seconds
	RDMATimeout time.Duration

	// BootstrapTimeout is the time to wait for event loops to stop.
	// Default: 5 seconds
	BootstrapTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 10 seconds
	HTTPTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:     30 * time.Second,
		DrainTimeout:     15 * time.Second,
		RDMATimeout:      10 * time.Second,
		BootstrapTimeout: 5 * time.Second,
		HTTPTimeout:      10 * time.Second,
		ForceTimeout:     5 * time.Second,
	}
}

// Component represents a component that can be shutdown.
type Component interface {
	// Name returns the component name for logging.
	Name() string
}

// Stoppable represents a component with a Stop method.
type Stoppable interface {
	Component
	Stop() error
}

// StoppableNoError represents a component with a Stop method that doesn't return an error.
type StoppableNoError interface {
	Stop()
}

type stopFunc struct {
	name string
	fn   func() error
}

func (s stopFunc) Name() string { return s.name }
func (s stopFunc) Stop() error  { return s.fn() }

// StopFunc adapts a plain stop or close function into a Stoppable.
func StopFunc(name string, fn func() error) Stoppable {
	return stopFunc{name: name, fn: fn}
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// Coordinator manages graceful shutdown of all daemon components.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

// setPhase updates the current phase and logs the transition.
func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

// addError records a shutdown error.
func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

// runHooks executes all hooks registered for the given phase.
func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown initiates graceful shutdown of all components.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	// Ensure we only shutdown once
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	SetShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.executeDrainPhase(shutdownCtx, components)
	c.executeRDMAPhase(shutdownCtx, components)
	c.executeBootstrapPhase(shutdownCtx, components)
	c.executeHTTPPhase(shutdownCtx, components)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

// watchForceTimeout monitors for force timeout and triggers forced shutdown.
func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

// ShutdownComponents holds all components that need to be shutdown.
type ShutdownComponents struct {
	// InFlightTracker tracks in-flight layer transfers for draining
	InFlightTracker InFlightTracker

	// RDMA are the RDMA server and clients, stopped in order
	RDMA []Stoppable

	// Bootstrap are the event loops and loop pools
	Bootstrap []StoppableNoError

	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// InFlightTracker tracks in-flight transfers.
type InFlightTracker interface {
	// InFlightCount returns the number of in-flight transfers
	InFlightCount() int64
	// WaitForDrain waits for all in-flight transfers to complete
	WaitForDrain(ctx context.Context) error
}

func (c *Coordinator) executeDrainPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseDraining)
	c.runHooks(ctx, PhaseDraining)

	if components.InFlightTracker == nil {
		return
	}

	drainCtx, cancel := context.WithTimeout(ctx, c.config.DrainTimeout)
	defer cancel()

	inFlight := components.InFlightTracker.InFlightCount()
	SetInFlightTransfers(inFlight)

	if inFlight > 0 {
		log.Info().Int64("in_flight_transfers", inFlight).Msg("Waiting for in-flight transfers to complete")

		if err := components.InFlightTracker.WaitForDrain(drainCtx); err != nil {
			log.Warn().
				Err(err).
				Int64("remaining", components.InFlightTracker.InFlightCount()).
				Msg("Drain timeout, proceeding with shutdown")
			c.addError(err)
		}
	}

	SetInFlightTransfers(0)
}

func (c *Coordinator) executeRDMAPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseRDMA)
	c.runHooks(ctx, PhaseRDMA)

	for _, endpoint := range components.RDMA {
		rdmaCtx, cancel := context.WithTimeout(ctx, c.config.RDMATimeout)
		c.stopComponent(rdmaCtx, endpoint.Name(), endpoint)
		cancel()
		IncrementComponentsStopped()
	}
}

func (c *Coordinator) executeBootstrapPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseBootstrap)
	c.runHooks(ctx, PhaseBootstrap)

	loopCtx, cancel := context.WithTimeout(ctx, c.config.BootstrapTimeout)
	defer cancel()

	for _, loop := range components.Bootstrap {
		c.stopComponentNoError(loopCtx, "event_loops", loop)
		IncrementComponentsStopped()
	}
}

func (c *Coordinator) executeHTTPPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseHTTP)
	c.runHooks(ctx, PhaseHTTP)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	// Shutdown HTTP servers concurrently
	var wg sync.WaitGroup

	for _, server := range components.HTTPServers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

func (c *Coordinator) stopComponent(ctx context.Context, name string, component Stoppable) {
	done := make(chan error, 1)

	go func() {
		done <- component.Stop()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error stopping component")
			c.addError(err)
		} else {
			log.Debug().Str("component", name).Msg("Component stopped")
		}
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout stopping component")
		c.addError(ctx.Err())
	}
}

func (c *Coordinator) stopComponentNoError(ctx context.Context, name string, component StoppableNoError) {
	done := make(chan struct{}, 1)

	go func() {
		component.Stop()
		done <- struct{}{}
	}()

	select {
	case <-done:
		log.Debug().Str("component", name).Msg("Component stopped")
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout stopping component (no error)")
		c.addError(ctx.Err())
	}
}
