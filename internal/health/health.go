// Package health provides health check endpoints for rdmalink.
//
// The package implements Kubernetes-compatible health checks:
//
//   - /health/live: Liveness probe (is the process running?)
//   - /health/ready: Readiness probe (can peers complete a handshake?)
//
// Each check returns JSON status with component health details:
//
//	{
//	  "status": "healthy",
//	  "checks": {
//	    "transport": {"status": "healthy"},
//	    "device": {"status": "healthy"}
//	  }
//	}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the overall health status.
type Status string

const (
	// StatusHealthy indicates all checks passed.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some checks failed but core functionality works.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates critical failures.
	StatusUnhealthy Status = "unhealthy"
)

// Check represents a single health check result.
type Check struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthStatus represents the complete health status of the system.
type HealthStatus struct {
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Status    Status           `json:"status"`
}

// Transport is the RDMA server as seen by the checker.
type Transport interface {
	Running() bool
}

// DeviceProbe reports whether the configured RDMA device can be found.
type DeviceProbe func(ctx context.Context) error

// Checker performs health checks on the daemon.
type Checker struct {
	cacheExpiry  time.Time
	transport    Transport
	probe        DeviceProbe
	cachedStatus *HealthStatus
	cacheTTL     time.Duration
	mu           sync.RWMutex
	draining     atomic.Bool
}

// NewChecker creates a new health checker.
func NewChecker(transport Transport, probe DeviceProbe) *Checker {
	return &Checker{
		transport: transport,
		probe:     probe,
		cacheTTL:  5 * time.Second,
	}
}

// SetDraining marks the daemon as shutting down; it stops being ready.
func (c *Checker) SetDraining() {
	c.draining.Store(true)

	c.mu.Lock()
	c.cachedStatus = nil
	c.mu.Unlock()
}

// Check performs all health checks and returns the overall status.
func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()

	if c.cachedStatus != nil && time.Now().Before(c.cacheExpiry) {
		status := c.cachedStatus
		c.mu.RUnlock()

		return status
	}

	c.mu.RUnlock()

	checks := make(map[string]Check)

	var (
		wg       sync.WaitGroup
		checksMu sync.Mutex
	)

	run := func(name string, fn func(context.Context) Check) {
		defer wg.Done()

		check := fn(ctx)

		checksMu.Lock()
		checks[name] = check
		checksMu.Unlock()
	}

	wg.Add(2)

	go run("transport", c.CheckTransport)
	go run("device", c.CheckDevice)

	wg.Wait()

	healthStatus := &HealthStatus{
		Status:    c.determineOverallStatus(checks),
		Checks:    checks,
		Timestamp: time.Now(),
	}

	c.mu.Lock()
	c.cachedStatus = healthStatus
	c.cacheExpiry = time.Now().Add(c.cacheTTL)
	c.mu.Unlock()

	return healthStatus
}

// CheckTransport checks that the bootstrap listener is accepting handshakes.
func (c *Checker) CheckTransport(_ context.Context) Check {
	if c.transport == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "rdma server not initialized",
		}
	}

	if c.draining.Load() {
		return Check{
			Status:  StatusDegraded,
			Message: "draining for shutdown",
		}
	}

	if !c.transport.Running() {
		return Check{
			Status:  StatusUnhealthy,
			Message: "rdma server is not listening",
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "rdma server is listening",
	}
}

// CheckDevice checks that the configured RDMA device is still present.
func (c *Checker) CheckDevice(ctx context.Context) Check {
	if c.probe == nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device probe not configured",
		}
	}

	if err := c.probe(ctx); err != nil {
		return Check{
			Status:  StatusUnhealthy,
			Message: "device discovery failed: " + err.Error(),
		}
	}

	return Check{
		Status:  StatusHealthy,
		Message: "device is present",
	}
}

// IsReady reports whether the server is listening and its device was found.
func (c *Checker) IsReady(ctx context.Context) bool {
	if c.draining.Load() || c.transport == nil || !c.transport.Running() {
		return false
	}

	return c.probe != nil && c.probe(ctx) == nil
}

// IsLive checks if the service is alive.
func (c *Checker) IsLive(_ context.Context) bool {
	return true
}

// determineOverallStatus determines the overall health status based on individual checks.
func (c *Checker) determineOverallStatus(checks map[string]Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}

	if hasDegraded {
		return StatusDegraded
	}

	return StatusHealthy
}

// Handler creates HTTP handlers for health endpoints.
type Handler struct {
	checker *Checker
}

// NewHandler creates a new health handler.
func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// HealthHandler reports the overall status and every check.
func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.checker.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")

	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(status)
}

// LivenessHandler handles Kubernetes liveness probe requests.
func (h *Handler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsLive(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ok"}`))
	}
}

// ReadinessHandler handles Kubernetes readiness probe requests.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if h.checker.IsReady(r.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
	}
}
