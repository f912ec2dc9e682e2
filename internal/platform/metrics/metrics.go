package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the digest service.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	pipelineRunsTotal  *prometheus.CounterVec
	transcriptSources  *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter
	relayRequestsTotal *prometheus.CounterVec
	pollAttemptsTotal  prometheus.Counter
	activePipelines    prometheus.Gauge
	trackedClients     prometheus.Gauge
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digest_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digest_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		pipelineRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digest_pipeline_runs_total",
			Help: "Pipeline runs by terminal outcome (done, error)",
		}, []string{"outcome"}),
		transcriptSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digest_transcript_source_total",
			Help: "Completed runs by transcript source (subtitle, asr)",
		}, []string{"source"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digest_rate_limited_total",
			Help: "Requests rejected by the rate governor",
		}),
		relayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "digest_relay_requests_total",
			Help: "Audio relay requests by result (ok, bad_request, forbidden, upstream_error)",
		}, []string{"result"}),
		pollAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "digest_recognition_poll_attempts_total",
			Help: "Status checks issued against recognition jobs",
		}),
		activePipelines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "digest_active_pipelines",
			Help: "Pipeline runs currently streaming",
		}),
		trackedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "digest_rate_limit_tracked_clients",
			Help: "Client keys currently held by the rate governor",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.pipelineRunsTotal,
		m.transcriptSources,
		m.rateLimitedTotal,
		m.relayRequestsTotal,
		m.pollAttemptsTotal,
		m.activePipelines,
		m.trackedClients,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObservePipelineRun records one finished run.
func (m *Metrics) ObservePipelineRun(outcome string) {
	m.pipelineRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTranscriptSource records where a completed run got its transcript.
func (m *Metrics) ObserveTranscriptSource(source string) {
	m.transcriptSources.WithLabelValues(source).Inc()
}

// IncRateLimited increments the rate governor rejection counter.
func (m *Metrics) IncRateLimited() {
	m.rateLimitedTotal.Inc()
}

// ObserveRelay records one relay request outcome.
func (m *Metrics) ObserveRelay(result string) {
	m.relayRequestsTotal.WithLabelValues(result).Inc()
}

// IncPollAttempts increments the recognition status-check counter.
func (m *Metrics) IncPollAttempts() {
	m.pollAttemptsTotal.Inc()
}

// PipelineStarted and PipelineFinished track the active pipelines gauge.
func (m *Metrics) PipelineStarted() {
	m.activePipelines.Inc()
}

func (m *Metrics) PipelineFinished() {
	m.activePipelines.Dec()
}

// SetTrackedClients sets the rate governor gauge.
func (m *Metrics) SetTrackedClients(n int) {
	m.trackedClients.Set(float64(n))
}

// RegisterCacheStats exposes the transcript cache hit and miss totals
// reported by stats at scrape time.
func (m *Metrics) RegisterCacheStats(stats func() (hits, misses int64)) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "digest_transcript_cache_hits_total",
			Help: "Transcript cache lookups answered from memory or Redis",
		}, func() float64 {
			hits, _ := stats()
			return float64(hits)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "digest_transcript_cache_misses_total",
			Help: "Transcript cache lookups that found nothing",
		}, func() float64 {
			_, misses := stats()
			return float64(misses)
		}),
	)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. tracked clients).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
