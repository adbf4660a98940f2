package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for Dripline
type Metrics struct {
	// Funnel jobs
	JobsProcessedTotal   *prometheus.CounterVec
	JobsRescheduledTotal prometheus.Counter
	JobsBacklog          *prometheus.GaugeVec

	// Campaign deliveries
	DeliveriesProcessedTotal *prometheus.CounterVec
	DeliveriesBacklog        *prometheus.GaugeVec
	CampaignsStartedTotal    prometheus.Counter
	CampaignsFinishedTotal   *prometheus.CounterVec

	// Sending
	SendAttemptsTotal      *prometheus.CounterVec
	SendDurationSeconds    *prometheus.HistogramVec
	StaleRequeuedTotal     *prometheus.CounterVec
	RateLimitExceededTotal *prometheus.CounterVec
	CycleDurationSeconds   *prometheus.HistogramVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		JobsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_jobs_processed_total",
				Help: "Funnel jobs handled by the worker, by outcome",
			},
			[]string{"outcome"},
		),
		JobsRescheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dripline_jobs_rescheduled_total",
				Help: "Pending funnel jobs moved after a step delay change",
			},
		),
		JobsBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dripline_jobs",
				Help: "Funnel jobs by status",
			},
			[]string{"status"},
		),

		DeliveriesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_deliveries_processed_total",
				Help: "Campaign deliveries handled by the worker, by outcome",
			},
			[]string{"outcome"},
		),
		DeliveriesBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dripline_deliveries",
				Help: "Campaign delivery records by status",
			},
			[]string{"status"},
		),
		CampaignsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dripline_campaigns_started_total",
				Help: "Campaigns moved from draft to sending",
			},
		),
		CampaignsFinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_campaigns_finished_total",
				Help: "Campaigns closed by the completion pass, by final status",
			},
			[]string{"status"},
		),

		SendAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_send_attempts_total",
				Help: "Transport send attempts, by kind and result",
			},
			[]string{"kind", "result"},
		),
		SendDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dripline_send_duration_seconds",
				Help:    "Transport send duration in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"kind"},
		),
		StaleRequeuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_stale_requeued_total",
				Help: "Claims returned to pending after exceeding the claim timeout",
			},
			[]string{"kind"},
		),
		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_ratelimit_exceeded_total",
				Help: "Sends deferred by a quota",
			},
			[]string{"level"},
		),
		CycleDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dripline_cycle_duration_seconds",
				Help:    "Duration of one scheduler cycle",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dripline_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripline_api_errors_total",
				Help: "Total number of API error responses by kind",
			},
			[]string{"kind"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripline_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripline_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.JobsProcessedTotal,
		m.JobsRescheduledTotal,
		m.JobsBacklog,
		m.DeliveriesProcessedTotal,
		m.DeliveriesBacklog,
		m.CampaignsStartedTotal,
		m.CampaignsFinishedTotal,
		m.SendAttemptsTotal,
		m.SendDurationSeconds,
		m.StaleRequeuedTotal,
		m.RateLimitExceededTotal,
		m.CycleDurationSeconds,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncJobsProcessed counts a funnel job outcome
func IncJobsProcessed(outcome string) {
	if m := Global(); m != nil {
		m.JobsProcessedTotal.WithLabelValues(outcome).Inc()
	}
}

// AddJobsRescheduled counts jobs moved by a delay change
func AddJobsRescheduled(n int) {
	if m := Global(); m != nil && n > 0 {
		m.JobsRescheduledTotal.Add(float64(n))
	}
}

// IncDeliveriesProcessed counts a campaign delivery outcome
func IncDeliveriesProcessed(outcome string) {
	if m := Global(); m != nil {
		m.DeliveriesProcessedTotal.WithLabelValues(outcome).Inc()
	}
}

// IncCampaignsStarted counts a started campaign
func IncCampaignsStarted() {
	if m := Global(); m != nil {
		m.CampaignsStartedTotal.Inc()
	}
}

// IncCampaignsFinished counts a closed campaign
func IncCampaignsFinished(status string) {
	if m := Global(); m != nil {
		m.CampaignsFinishedTotal.WithLabelValues(status).Inc()
	}
}

// ObserveSend records one transport attempt
func ObserveSend(kind, result string, seconds float64) {
	if m := Global(); m != nil {
		m.SendAttemptsTotal.WithLabelValues(kind, result).Inc()
		m.SendDurationSeconds.WithLabelValues(kind).Observe(seconds)
	}
}

// AddStaleRequeued counts requeued claims
func AddStaleRequeued(kind string, n int64) {
	if m := Global(); m != nil && n > 0 {
		m.StaleRequeuedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// ObserveCycle records the duration of a scheduler task
func ObserveCycle(task string, seconds float64) {
	if m := Global(); m != nil {
		m.CycleDurationSeconds.WithLabelValues(task).Observe(seconds)
	}
}
