// Package metrics exposes the agent's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Health reporter
	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdsagent_health_probes_total",
			Help: "Health probes run, by db id and outcome",
		},
		[]string{"db_id", "outcome"},
	)

	HealthProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "rdsagent_health_probe_duration_seconds",
			Help: "Duration of a single database health probe",
		},
	)

	MonitoredDatabasesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdsagent_monitored_databases_total",
			Help: "Number of local databases currently health-reported",
		},
	)

	// State monitor
	WatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdsagent_watch_events_total",
			Help: "etcd watch events processed, by cluster and kind",
		},
		[]string{"cluster_id", "kind"},
	)

	// Dead-node detector/verifier
	DeadNodeVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdsagent_dead_node_verifications_total",
			Help: "Dead-node verifications run, by outcome",
		},
		[]string{"outcome"},
	)

	DeadNodeVerificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "rdsagent_dead_node_verification_duration_seconds",
			Help: "Duration of a full dead-node verification fan-out",
		},
	)

	NodesInRetrySet = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdsagent_nodes_in_retry_set",
			Help: "Nodes currently awaiting a retried dead-node verification",
		},
	)

	// Master elector
	ElectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdsagent_elections_total",
			Help: "Election campaigns run, by outcome",
		},
		[]string{"outcome"},
	)

	ElectionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "rdsagent_election_duration_seconds",
			Help: "Duration of an election campaign from dequeue to its outcome",
		},
	)

	// ProxySQL reconciler
	ProxyReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "rdsagent_proxy_reconcile_duration_seconds",
			Help: "Duration of a ProxySQL reconciliation pass",
		},
		[]string{"kind"},
	)

	ProxyReconcileChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdsagent_proxy_reconcile_changes_total",
			Help: "ProxySQL reconciliations that changed backend/user rows, by kind",
		},
		[]string{"kind"},
	)

	// Async job engine
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdsagent_jobs_total",
			Help: "Jobs transitioned to a terminal state, by status",
		},
		[]string{"status"},
	)

	JobQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdsagent_job_queue_depth",
			Help: "Jobs currently QUEUED or SCHEDULED",
		},
	)

	JobExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "rdsagent_job_execution_duration_seconds",
			Help: "Duration from RUNNING to a terminal job status",
		},
	)

	// RPC server
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdsagent_rpc_requests_total",
			Help: "RPC requests handled, by service, method and code",
		},
		[]string{"service", "method", "code"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "rdsagent_rpc_request_duration_seconds",
			Help: "RPC handler duration, by service and method",
		},
		[]string{"service", "method"},
	)

	// KV client
	KVOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "rdsagent_kv_operation_duration_seconds",
			Help: "etcd operation duration, by operation",
		},
		[]string{"op"},
	)

	KVEndpointFailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rdsagent_kv_endpoint_failovers_total",
			Help: "Times the KV client rotated to the next endpoint after an I/O error",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HealthProbesTotal,
		HealthProbeDuration,
		MonitoredDatabasesTotal,
		WatchEventsTotal,
		DeadNodeVerificationsTotal,
		DeadNodeVerificationDuration,
		NodesInRetrySet,
		ElectionsTotal,
		ElectionDuration,
		ProxyReconcileDuration,
		ProxyReconcileChangesTotal,
		JobsTotal,
		JobQueueDepth,
		JobExecutionDuration,
		RPCRequestsTotal,
		RPCRequestDuration,
		KVOperationDuration,
		KVEndpointFailoversTotal,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation's duration and reports it to a histogram on ObserveDuration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration reports the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(t.Duration().Seconds())
}

// ObserveDurationVec reports the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
