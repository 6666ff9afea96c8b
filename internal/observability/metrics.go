package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "csctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)
	executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csctl",
			Subsystem: "dispatch",
			Name:      "executions_total",
			Help:      "Handler executions by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "csctl",
			Subsystem: "dispatch",
			Name:      "execution_duration_seconds",
			Help:      "Handler execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
	relayConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csctl",
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Relay connections by close reason.",
		},
		[]string{"reason"},
	)
	relayActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "csctl",
			Subsystem: "relay",
			Name:      "active_connections",
			Help:      "Relay connections currently open.",
		},
	)
	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csctl",
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Worker process launches.",
		},
		[]string{"launcher", "success"},
	)
	bundleBuilds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "csctl",
			Subsystem: "bundle",
			Name:      "builds_total",
			Help:      "Bundle builds.",
		},
		[]string{"success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			executions,
			executionDuration,
			relayConnections,
			relayActive,
			workerSpawns,
			bundleBuilds,
		)
	})
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordExecution(transport, outcome string, duration time.Duration) {
	RegisterMetrics()
	executions.WithLabelValues(transport, outcome).Inc()
	executionDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

func RelayConnectionOpened() {
	RegisterMetrics()
	relayActive.Inc()
}

func RelayConnectionClosed(reason string) {
	RegisterMetrics()
	relayActive.Dec()
	relayConnections.WithLabelValues(reason).Inc()
}

// RelayConnectionRejected counts a connection refused before upgrade.
func RelayConnectionRejected(reason string) {
	RegisterMetrics()
	relayConnections.WithLabelValues(reason).Inc()
}

func RecordWorkerSpawn(launcher string, success bool) {
	RegisterMetrics()
	workerSpawns.WithLabelValues(launcher, strconv.FormatBool(success)).Inc()
}

func RecordBundleBuild(success bool) {
	RegisterMetrics()
	bundleBuilds.WithLabelValues(strconv.FormatBool(success)).Inc()
}
