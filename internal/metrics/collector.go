// Package metrics exposes genaichat's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every genaichat metric plus the process and Go collectors.
var Registry = prometheus.NewRegistry()

// Generation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

var (
	Submissions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genaichat_submissions_total",
		Help: "User inputs accepted for generation",
	})
	Generations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genaichat_generation_requests_total",
		Help: "Generation round trips by outcome",
	}, []string{"outcome"})
	GenerationLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "genaichat_generation_latency_seconds",
		Help:    "Generation endpoint latency in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})
	Uploads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genaichat_document_uploads_total",
		Help: "Document uploads by result (accepted, rejected)",
	}, []string{"result"})
	Extractions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genaichat_extractions_total",
		Help: "Document extractions by outcome (applied, stale, error)",
	}, []string{"outcome"})
	ExtractedPages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "genaichat_extracted_pages_total",
		Help: "Pages read from uploaded documents",
	})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "genaichat_active_sessions",
		Help: "Mounted conversation controllers",
	})
	StreamConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "genaichat_stream_connections",
		Help: "Open live-update connections by transport (sse, ws)",
	}, []string{"transport"})
)

func init() {
	Registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		Submissions,
		Generations,
		GenerationLatency,
		Uploads,
		Extractions,
		ExtractedPages,
		ActiveSessions,
		StreamConnections,
	)
}

// Handler renders the registry in Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
