package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_queue_size",
			Help: "Pending-build queue size by ABI",
		},
		[]string{"abi"},
	)

	// Builder metrics
	SlavesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_slaves_total",
			Help: "Connected builder sessions by state",
		},
		[]string{"state"},
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_builds_total",
			Help: "Recorded builds by outcome",
		},
		[]string{"status"},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_build_duration_seconds",
			Help:    "Reported build durations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	// Transfer metrics
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_transfers_total",
			Help: "File transfers by result (verified, rejected, aborted)",
		},
		[]string{"result"},
	)

	TransferBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_transfer_bytes_total",
			Help: "Artifact bytes received from builders",
		},
	)

	// Renderer metrics
	RendersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_renders_total",
			Help: "Page renders by kind (simple, project, home, search)",
		},
		[]string{"kind"},
	)

	RewritesPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_rewrites_pending",
			Help: "Packages waiting in the render debounce set",
		},
	)

	// Watcher metrics
	UpstreamSerial = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_upstream_serial",
			Help: "Last processed upstream event serial",
		},
	)

	UpstreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_upstream_events_total",
			Help: "Upstream index events by action",
		},
		[]string{"action"},
	)

	// Database pool metrics
	DBRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_db_requests_total",
			Help: "Database operations by result",
		},
		[]string{"result"},
	)
)

// Register registers all metrics with the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		QueueSize,
		SlavesTotal,
		BuildsTotal,
		BuildDuration,
		TransfersTotal,
		TransferBytes,
		RendersTotal,
		RewritesPending,
		UpstreamSerial,
		UpstreamEventsTotal,
		DBRequestsTotal,
	)
}

// Handler returns the HTTP handler exposing the registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
