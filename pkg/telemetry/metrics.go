package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics provides Prometheus metrics for froyobox. A nil *Metrics and a
// disabled instance are both valid and record nothing.
type Metrics struct {
	config MetricsConfig

	// Box metrics
	boxesCreated   prometheus.Counter
	deploysStarted *prometheus.CounterVec
	deploysEnded   *prometheus.CounterVec
	deployDuration *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	healthPolls   *prometheus.CounterVec

	// Workflow metrics
	jobsExecuted *prometheus.CounterVec
	jobRetries   *prometheus.CounterVec
	jobDuration  *prometheus.HistogramVec
	jobsInflight *prometheus.GaugeVec
	activeFlows  prometheus.Gauge

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec

	// Cronjob metrics
	cronRuns     *prometheus.CounterVec
	cronDuration prometheus.Histogram

	// Policy metrics
	policyViolations *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		boxesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "boxes_created_total",
				Help:      "Total number of boxes registered",
			},
		),
		deploysStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_started_total",
				Help:      "Total number of deployment attempts started",
			},
			[]string{"provider", "retry"},
		),
		deploysEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploys_finished_total",
				Help:      "Total number of deployment attempts finished",
			},
			[]string{"outcome"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of deployment attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploy_steps_total",
				Help:      "Total number of deploy steps finished",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_step_duration_seconds",
				Help:      "Duration of deploy steps in seconds",
				Buckets:   buckets,
			},
			[]string{"step"},
		),
		healthPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_polls_total",
				Help:      "Total number of instance health polls by observed signal",
			},
			[]string{"signal"},
		),

		jobsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_jobs_total",
				Help:      "Total number of workflow jobs finished",
			},
			[]string{"queue", "outcome"},
		),
		jobRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_job_retries_total",
				Help:      "Total number of workflow job retries",
			},
			[]string{"queue"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_job_duration_seconds",
				Help:      "Duration of workflow job attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"queue"},
		),
		jobsInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workflow_jobs_inflight",
				Help:      "Current number of executing workflow jobs",
			},
			[]string{"queue"},
		),
		activeFlows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workflow_active_flows",
				Help:      "Current number of active workflow flows",
			},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of compute provider calls",
			},
			[]string{"provider", "operation"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of compute provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),
		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of compute provider errors",
			},
			[]string{"provider", "operation", "code"},
		),

		cronRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cronjob_runs_total",
				Help:      "Total number of cronjob executions",
			},
			[]string{"status"},
		),
		cronDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cronjob_run_duration_seconds",
				Help:      "Duration of cronjob executions in seconds",
				Buckets:   buckets,
			},
		),

		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of deploy admission policy violations",
			},
			[]string{"policy", "severity"},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of API requests in seconds",
				Buckets:   buckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		m.boxesCreated,
		m.deploysStarted,
		m.deploysEnded,
		m.deployDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.healthPolls,
		m.jobsExecuted,
		m.jobRetries,
		m.jobDuration,
		m.jobsInflight,
		m.activeFlows,
		m.providerCalls,
		m.providerDuration,
		m.providerErrors,
		m.cronRuns,
		m.cronDuration,
		m.policyViolations,
		m.httpRequests,
		m.httpDuration,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Box Metrics

// RecordBoxCreated increments the counter for registered boxes.
func (m *Metrics) RecordBoxCreated() {
	if !m.enabled() {
		return
	}
	m.boxesCreated.Inc()
}

// RecordDeployStarted records the start of a deployment attempt.
func (m *Metrics) RecordDeployStarted(provider string, retry bool) {
	if !m.enabled() {
		return
	}
	r := "false"
	if retry {
		r = "true"
	}
	m.deploysStarted.WithLabelValues(provider, r).Inc()
}

// RecordDeployFinished records the outcome of a deployment attempt.
func (m *Metrics) RecordDeployFinished(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.deploysEnded.WithLabelValues(outcome).Inc()
	m.deployDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// Step Metrics

// RecordStep records a finished deploy step. step is the step kind, e.g. "setup".
func (m *Metrics) RecordStep(step, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(step, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordHealthPoll records one health poll with the observed signal.
func (m *Metrics) RecordHealthPoll(signal string) {
	if !m.enabled() {
		return
	}
	m.healthPolls.WithLabelValues(signal).Inc()
}

// Workflow Metrics

// RecordJob records a finished job attempt.
func (m *Metrics) RecordJob(queue, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.jobsExecuted.WithLabelValues(queue, outcome).Inc()
	m.jobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordJobRetry records a scheduled retry.
func (m *Metrics) RecordJobRetry(queue string) {
	if !m.enabled() {
		return
	}
	m.jobRetries.WithLabelValues(queue).Inc()
}

// AddJobsInflight adjusts the number of executing jobs of a queue.
func (m *Metrics) AddJobsInflight(queue string, delta float64) {
	if !m.enabled() {
		return
	}
	m.jobsInflight.WithLabelValues(queue).Add(delta)
}

// AddActiveFlows adjusts the number of active flows.
func (m *Metrics) AddActiveFlows(delta float64) {
	if !m.enabled() {
		return
	}
	m.activeFlows.Add(delta)
}

// Provider Metrics

// RecordProviderCall records a provider call with its duration.
func (m *Metrics) RecordProviderCall(provider, operation string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.providerCalls.WithLabelValues(provider, operation).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(duration.Seconds())
}

// RecordProviderError records a provider error.
func (m *Metrics) RecordProviderError(provider, operation, code string) {
	if !m.enabled() {
		return
	}
	m.providerErrors.WithLabelValues(provider, operation, code).Inc()
}

// Cronjob Metrics

// RecordCronRun records a finished cronjob execution.
func (m *Metrics) RecordCronRun(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.cronRuns.WithLabelValues(status).Inc()
	m.cronDuration.Observe(duration.Seconds())
}

// Policy Metrics

// RecordPolicyViolation records a deploy admission violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if !m.enabled() {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// API Metrics

// RecordHTTPRequest records a served API request. route is the matched
// pattern, not the raw path, to keep label cardinality bounded.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts a standalone HTTP server to expose metrics when
// a listen address is configured. The returned server may be nil.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) *http.Server {
	if !m.enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	return server
}
