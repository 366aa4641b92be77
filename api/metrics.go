package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fabfab/trialscoop/extraction"
)

// Metrics holds the counters exported on /metrics. Each Server owns its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Requests       *prometheus.CounterVec
	IngestedChunks prometheus.Counter
	FailedSources  prometheus.Counter
	Extractions    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialscoop",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		IngestedChunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "trialscoop",
			Name:      "ingested_chunks_total",
			Help:      "Chunks added to the session index.",
		}),
		FailedSources: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "trialscoop",
			Name:      "ingest_failures_total",
			Help:      "Sources that could not be ingested.",
		}),
		Extractions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trialscoop",
			Name:      "extractions_total",
			Help:      "Extraction results by outcome kind.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvidence counts one extraction under its sentinel or as "found".
func (m *Metrics) ObserveEvidence(evidence string) {
	m.Extractions.WithLabelValues(resultLabel(evidence)).Inc()
}

func resultLabel(evidence string) string {
	switch evidence {
	case extraction.NoRelevantSections:
		return "no_relevant_sections"
	case extraction.ValueNotFound:
		return "value_not_found"
	case extraction.ExtractionFailed:
		return "failed"
	}
	if extraction.IsSentinel(evidence) {
		return "not_found"
	}
	return "found"
}
