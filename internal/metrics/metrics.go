// Package metrics provides Prometheus metrics collection for rdmalink.
//
// The package exposes metrics at /metrics on the admin listener:
//
// Connection Metrics:
//   - rdmalink_connections: Connections by state
//   - rdmalink_handshakes_total: Bootstrap handshakes by role and result
//   - rdmalink_handshake_duration_seconds: Handshake latency histogram
//
// Data Path Metrics:
//   - rdmalink_sends_total / rdmalink_recvs_total: Work requests by connection
//   - rdmalink_bytes_sent_total / rdmalink_bytes_received_total
//   - rdmalink_completion_errors_total: Failed work completions by status
//   - rdmalink_free_send_slots: Send slots available for acquisition
//
// Layer Metrics:
//   - rdmalink_layer_transfers_total: Layer transfers by direction and result
//   - rdmalink_layer_bytes_total: Uncompressed and wire bytes moved
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections tracks RDMA connections by state
	Connections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmalink_connections",
			Help: "Number of RDMA connections by state",
		},
		[]string{"state"},
	)

	// HandshakesTotal counts bootstrap handshakes
	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_handshakes_total",
			Help: "Total number of bootstrap handshakes",
		},
		[]string{"result"},
	)

	// HandshakeDuration tracks the time from TCP connect to Connected
	HandshakeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdmalink_handshake_duration_seconds",
			Help:    "Bootstrap handshake duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	// SendsTotal counts posted send work requests
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_sends_total",
			Help: "Total send work requests posted",
		},
		[]string{"connection"},
	)

	// RecvsTotal counts successful receive completions
	RecvsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_recvs_total",
			Help: "Total successful receive completions",
		},
		[]string{"connection"},
	)

	// BytesSent tracks bytes handed to send work requests
	BytesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_bytes_sent_total",
			Help: "Total bytes posted for sending",
		},
		[]string{"connection"},
	)

	// BytesReceived tracks bytes reported by receive completions
	BytesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_bytes_received_total",
			Help: "Total bytes received",
		},
		[]string{"connection"},
	)

	// CompletionErrors counts failed work completions
	CompletionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_completion_errors_total",
			Help: "Total failed work completions",
		},
		[]string{"opcode", "status"},
	)

	// FreeSendSlots tracks send slots available per connection
	FreeSendSlots = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmalink_free_send_slots",
			Help: "Send slots available for acquisition",
		},
		[]string{"connection"},
	)

	// LayerTransfersTotal counts layer transfers
	LayerTransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_layer_transfers_total",
			Help: "Total layer transfers",
		},
		[]string{"direction", "result"},
	)

	// LayerBytes tracks layer bytes before and after compression
	LayerBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdmalink_layer_bytes_total",
			Help: "Total layer bytes moved",
		},
		[]string{"direction", "kind"},
	)

	// LayerTransferDuration tracks end-to-end layer transfer latency
	LayerTransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdmalink_layer_transfer_duration_seconds",
			Help:    "Layer transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"direction"},
	)

	// NodeInfo provides build information
	NodeInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdmalink_node_info",
			Help: "Node information",
		},
		[]string{"node_id", "version"},
	)
)

// Version is set at build time
var Version = "dev"

// Init initializes the metrics system
func Init(nodeID string) {
	NodeInfo.WithLabelValues(nodeID, Version).Set(1)
}

// ConnectionStateChanged moves one connection between state gauges. An
// empty from means the connection is new.
func ConnectionStateChanged(from, to string) {
	if from != "" {
		Connections.WithLabelValues(from).Dec()
	}

	if to != "" {
		Connections.WithLabelValues(to).Inc()
	}
}

// RecordHandshake records the outcome of one bootstrap handshake
func RecordHandshake(success bool, duration time.Duration) {
	if !success {
		HandshakesTotal.WithLabelValues("failed").Inc()
		return
	}

	HandshakesTotal.WithLabelValues("connected").Inc()
	HandshakeDuration.Observe(duration.Seconds())
}

// RecordSend records a posted send
func RecordSend(conn string, bytes int) {
	SendsTotal.WithLabelValues(conn).Inc()
	BytesSent.WithLabelValues(conn).Add(float64(bytes))
}

// RecordRecv records a successful receive completion
func RecordRecv(conn string, bytes int) {
	RecvsTotal.WithLabelValues(conn).Inc()
	BytesReceived.WithLabelValues(conn).Add(float64(bytes))
}

// RecordCompletionError records a failed work completion
func RecordCompletionError(opcode, status string) {
	CompletionErrors.WithLabelValues(opcode, status).Inc()
}

// SetFreeSendSlots sets the free slot gauge of a connection
func SetFreeSendSlots(conn string, n int) {
	FreeSendSlots.WithLabelValues(conn).Set(float64(n))
}

// ForgetConnection drops the per-connection series of a closed connection
func ForgetConnection(conn string) {
	SendsTotal.DeleteLabelValues(conn)
	RecvsTotal.DeleteLabelValues(conn)
	BytesSent.DeleteLabelValues(conn)
	BytesReceived.DeleteLabelValues(conn)
	FreeSendSlots.DeleteLabelValues(conn)
}

// RecordLayerTransfer records a finished layer transfer. raw is the layer
// size and wire the number of payload bytes that crossed the link.
func RecordLayerTransfer(direction string, success bool, raw, wire int64, duration time.Duration) {
	result := "success"
	if !success {
		result = "failed"
	}

	LayerTransfersTotal.WithLabelValues(direction, result).Inc()

	if !success {
		return
	}

	LayerBytes.WithLabelValues(direction, "raw").Add(float64(raw))
	LayerBytes.WithLabelValues(direction, "wire").Add(float64(wire))
	LayerTransferDuration.WithLabelValues(direction).Observe(duration.Seconds())
}
