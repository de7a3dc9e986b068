package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Worker registry metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_workers_total",
			Help: "Total number of registered workers by status",
		},
		[]string{"status"},
	)

	WorkerRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_worker_registrations_total",
			Help: "Total number of worker registrations by outcome",
		},
		[]string{"outcome"},
	)

	WorkerPingsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_worker_pings_total",
			Help: "Total number of worker pings received",
		},
	)

	WorkersSweptOfflineTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_workers_swept_offline_total",
			Help: "Total number of workers the liveness sweeper promoted to offline",
		},
	)

	// Session metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_sessions_active",
			Help: "Active streaming sessions by namespace",
		},
		[]string{"namespace"},
	)

	SessionsSupersededTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_sessions_superseded_total",
			Help: "Total number of sessions closed because a newer connection for the same worker took over",
		},
	)

	// Subscription hub / fan-out metrics
	HubSubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_hub_subscribers_active",
			Help: "Total number of active operator subscriptions",
		},
	)

	HubEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_hub_events_published_total",
			Help: "Total number of events published through the subscription hub",
		},
		[]string{"event"},
	)

	HubEventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_hub_events_dropped_total",
			Help: "Total number of events dropped because a subscriber's queue was full",
		},
		[]string{"subscriber"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Deployment supervisor metrics (worker side)
	DeploymentsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetd_deployments_applied_total",
			Help: "Total number of deployment instructions applied by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	DeploymentApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetd_deployment_apply_duration_seconds",
			Help:    "Time taken to apply a deployment instruction",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	ServicesManaged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetd_services_managed",
			Help: "Services currently managed on this worker by status",
		},
		[]string{"status"},
	)

	// Resource probe metrics (worker side)
	ProbeCPUUsagePercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_probe_cpu_usage_percent",
			Help: "Most recently sampled CPU usage percentage",
		},
	)

	ProbeRAMUsagePercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_probe_ram_usage_percent",
			Help: "Most recently sampled RAM usage percentage",
		},
	)

	ProbeDiskUsagePercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetd_probe_disk_usage_percent",
			Help: "Most recently sampled disk usage percentage",
		},
	)

	// Conductor client metrics (worker side)
	ConductorReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetd_conductor_reconnects_total",
			Help: "Total number of times the worker reconnected to the conductor",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WorkersTotal,
		WorkerRegistrationsTotal,
		WorkerPingsTotal,
		WorkersSweptOfflineTotal,
		SessionsActive,
		SessionsSupersededTotal,
		HubSubscribersActive,
		HubEventsPublishedTotal,
		HubEventsDroppedTotal,
		APIRequestsTotal,
		APIRequestDuration,
		DeploymentsAppliedTotal,
		DeploymentApplyDuration,
		ServicesManaged,
		ProbeCPUUsagePercent,
		ProbeRAMUsagePercent,
		ProbeDiskUsagePercent,
		ConductorReconnectsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
