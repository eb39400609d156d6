package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every Prometheus series the gateway emits. Construct one
// per process; tests pass their own registry to avoid duplicate
// registration panics.
type Metrics struct {
	AdmissionDecisions *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	ReplayHits         *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec
	BulkheadSaturated  *prometheus.CounterVec
	BulkheadInFlight   *prometheus.GaugeVec
	ToolJobsEnqueued   *prometheus.CounterVec
	ToolJobOutcomes    *prometheus.CounterVec
	QueueDepth         *prometheus.GaugeVec
	ProviderAttempts   *prometheus.CounterVec
	ProviderFailovers  prometheus.Counter
	StreamEvents       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New registers the gateway metric set on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		AdmissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_admission_decisions_total",
			Help: "Admission decisions by mode, outcome, and reason.",
		}, []string{"mode", "outcome", "reason"}),

		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_ratelimit_decisions_total",
			Help: "Fixed-window rate limit decisions by bucket and outcome.",
		}, []string{"bucket", "outcome"}),

		ReplayHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_replay_hits_total",
			Help: "Duplicate deliveries suppressed by the replay guard, by scope.",
		}, []string{"scope"}),

		CircuitTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_circuit_transitions_total",
			Help: "Circuit breaker state transitions by provider.",
		}, []string{"provider", "from", "to"}),

		BulkheadSaturated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_bulkhead_saturated_total",
			Help: "Bulkhead acquisitions rejected because the slot pool was full.",
		}, []string{"provider"}),

		BulkheadInFlight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_gateway_bulkhead_inflight",
			Help: "Active bulkhead leases per provider.",
		}, []string{"provider"}),

		ToolJobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_tool_jobs_enqueued_total",
			Help: "Tool jobs accepted into the queue by tool and source.",
		}, []string{"tool", "source"}),

		ToolJobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_tool_job_outcomes_total",
			Help: "Claimed tool job outcomes: completed, retried, dead_letter.",
		}, []string{"tool", "outcome"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_gateway_tool_queue_depth",
			Help: "Tool job counts by status, refreshed by the queue monitor.",
		}, []string{"status"}),

		ProviderAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_provider_attempts_total",
			Help: "Upstream chat attempts by route and classified outcome.",
		}, []string{"route", "outcome"}),

		ProviderFailovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "chat_gateway_provider_failovers_total",
			Help: "Route failovers from primary to secondary.",
		}),

		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_stream_events_total",
			Help: "SSE events written to clients by event type.",
		}, []string{"type"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chat_gateway_http_request_duration_seconds",
			Help:    "HTTP handler latency by method, path, and status.",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "path", "status"}),
	}
}

func (m *Metrics) RecordAdmission(mode, outcome, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "none"
	}
	m.AdmissionDecisions.WithLabelValues(mode, outcome, reason).Inc()
}

func (m *Metrics) RecordRateLimit(bucket, outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(bucket, outcome).Inc()
}

func (m *Metrics) RecordReplayHit(scope string) {
	if m == nil {
		return
	}
	m.ReplayHits.WithLabelValues(scope).Inc()
}

func (m *Metrics) RecordCircuitTransition(provider, from, to string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.WithLabelValues(provider, from, to).Inc()
}

func (m *Metrics) RecordBulkheadSaturated(provider string) {
	if m == nil {
		return
	}
	m.BulkheadSaturated.WithLabelValues(provider).Inc()
}

func (m *Metrics) SetBulkheadInFlight(provider string, n int) {
	if m == nil {
		return
	}
	m.BulkheadInFlight.WithLabelValues(provider).Set(float64(n))
}

func (m *Metrics) RecordToolJobEnqueued(tool, source string) {
	if m == nil {
		return
	}
	m.ToolJobsEnqueued.WithLabelValues(tool, source).Inc()
}

func (m *Metrics) RecordToolJobOutcome(tool, outcome string) {
	if m == nil {
		return
	}
	m.ToolJobOutcomes.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) SetQueueDepth(status string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(status).Set(float64(n))
}

func (m *Metrics) RecordProviderAttempt(route, outcome string) {
	if m == nil {
		return
	}
	m.ProviderAttempts.WithLabelValues(route, outcome).Inc()
}

func (m *Metrics) RecordProviderFailover() {
	if m == nil {
		return
	}
	m.ProviderFailovers.Inc()
}

func (m *Metrics) RecordStreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
