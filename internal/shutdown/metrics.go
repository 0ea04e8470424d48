package shutdown

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for shutdown monitoring.
var (
	shutdownDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmalink_shutdown_duration_seconds",
		Help: "Total duration of the shutdown process in seconds",
	})

	// shutdownPhase tracks the current shutdown phase.
	shutdownPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rdmalink_shutdown_phase",
		Help: "Current shutdown phase (1 = active, 0 = inactive)",
	}, []string{"phase"})

	inFlightTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmalink_shutdown_in_flight_transfers",
		Help: "Number of in-flight layer transfers during shutdown",
	})

	componentsStopped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdmalink_shutdown_components_stopped_total",
		Help: "Total number of components stopped during shutdown",
	})

	shutdownErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdmalink_shutdown_errors_total",
		Help: "Total number of errors during shutdown",
	})

	shutdownStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdmalink_shutdown_start_timestamp_seconds",
		Help: "Unix timestamp when shutdown started",
	})
)

var allPhases = []Phase{
	PhaseNone,
	PhaseDraining,
	PhaseRDMA,
	PhaseBootstrap,
	PhaseHTTP,
	PhaseComplete,
	PhaseForcedShutdown,
}

// SetShutdownDuration sets the shutdown duration metric.
func SetShutdownDuration(d time.Duration) {
	shutdownDuration.Set(d.Seconds())
}

// SetShutdownPhase sets the current shutdown phase metric.
func SetShutdownPhase(phase Phase) {
	for _, p := range allPhases {
		shutdownPhase.WithLabelValues(string(p)).Set(0)
	}

	shutdownPhase.WithLabelValues(string(phase)).Set(1)
}

// SetInFlightTransfers sets the in-flight transfers metric.
func SetInFlightTransfers(count int64) {
	inFlightTransfers.Set(float64(count))
}

// IncrementComponentsStopped increments the components stopped counter.
func IncrementComponentsStopped() {
	componentsStopped.Inc()
}

// IncrementShutdownErrors increments the shutdown errors counter.
func IncrementShutdownErrors() {
	shutdownErrors.Inc()
}

// SetShutdownStartTime sets the shutdown start timestamp.
func SetShutdownStartTime(t time.Time) {
	shutdownStartTime.Set(float64(t.Unix()))
}
