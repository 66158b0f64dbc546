package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "skiff"
)

// Metrics holds all Prometheus metrics for the provisioner
type Metrics struct {
	// Job lifecycle metrics
	JobsTotal    *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	JobErrors    *prometheus.CounterVec
	JobsInFlight prometheus.Gauge

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec

	// GitHub API metrics
	GitHubAPIRequests   *prometheus.CounterVec
	GitHubAPIDuration   prometheus.Histogram
	RunnerRegistrations *prometheus.CounterVec

	// Provider metrics
	ProviderOperations *prometheus.CounterVec
	ProviderDuration   *prometheus.HistogramVec
	ProviderErrors     *prometheus.CounterVec
	LaunchAttempts     *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec

	// Rate limiter metrics
	RateLimiterWait *prometheus.HistogramVec

	// Usage and alerting metrics
	UsageMinutes *prometheus.CounterVec
	AlertsSent   *prometheus.CounterVec

	// System metrics
	ControllerInfo *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		JobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of workflow job events handled, by final state",
			},
			[]string{"phase", "state"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_handling_duration_seconds",
				Help:      "Time spent handling a workflow job event",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"phase"},
		),
		JobErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_errors_total",
				Help:      "Total number of failed workflow job events",
			},
			[]string{"phase", "error_type"},
		),
		JobsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_in_flight",
				Help:      "Number of workflow job events currently being handled",
			},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Total number of webhook deliveries received",
			},
			[]string{"event", "status"},
		),

		GitHubAPIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "github_api_requests_total",
				Help:      "Total number of GitHub API requests",
			},
			[]string{"endpoint", "status"},
		),
		GitHubAPIDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "github_api_duration_seconds",
				Help:      "Duration of GitHub API requests",
				Buckets:   prometheus.DefBuckets,
			},
		),
		RunnerRegistrations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_registrations_total",
				Help:      "Total number of just-in-time runner registration attempts",
			},
			[]string{"status"},
		),

		ProviderOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_operations_total",
				Help:      "Total number of provider operations",
			},
			[]string{"provider", "operation", "status"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_operation_duration_seconds",
				Help:      "Duration of provider operations",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "operation"},
		),
		ProviderErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors",
			},
			[]string{"provider", "operation", "error_type"},
		),
		LaunchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "launch_attempts_total",
				Help:      "Total number of instance launch attempts per market",
			},
			[]string{"market", "status"},
		),
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Image and instance type cache lookups",
			},
			[]string{"cache", "result"},
		),

		RateLimiterWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rate_limiter_wait_seconds",
				Help:      "Time spent waiting for a rate limiter token",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"limiter"},
		),

		UsageMinutes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_minutes_total",
				Help:      "Runner minutes reported on job completion",
			},
			[]string{"instance_type", "lifecycle"},
		),
		AlertsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Total number of alert batches flushed",
			},
			[]string{"status"},
		),

		ControllerInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "controller_info",
				Help:      "Information about the provisioner",
			},
			[]string{"version", "env"},
		),
	}

	return m
}

// ObserveCache records a cache hit or miss.
func (m *Metrics) ObserveCache(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}
