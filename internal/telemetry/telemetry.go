// Package telemetry exposes pipeline metrics through prometheus and the
// prefixed loggers used across components.
package telemetry

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instruments recorded by the pipeline. A nil *Metrics
// is valid and records nothing, so tests can pass nil.
type Metrics struct {
	Generations     *prometheus.CounterVec
	CacheOps        *prometheus.CounterVec
	Fallbacks       *prometheus.CounterVec
	FilterDecisions *prometheus.CounterVec
	AICallDuration  *prometheus.HistogramVec
}

// NewMetrics registers the pipeline instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsdesk_generations_total",
			Help: "Generation attempts by artifact kind and outcome",
		}, []string{"kind", "outcome"}),
		CacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsdesk_cache_reads_total",
			Help: "Cache reads by namespace and result",
		}, []string{"namespace", "result"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsdesk_fallbacks_total",
			Help: "Degraded results served by fallback kind",
		}, []string{"kind"}),
		FilterDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsdesk_filter_decisions_total",
			Help: "Relevance classifications by decision and source",
		}, []string{"decision", "source"}),
		AICallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsdesk_ai_call_duration_seconds",
			Help:    "Latency of upstream model calls",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"operation"}),
	}
	reg.MustRegister(m.Generations, m.CacheOps, m.Fallbacks, m.FilterDecisions, m.AICallDuration)
	return m
}

// RecordGeneration counts one settled generation.
func (m *Metrics) RecordGeneration(kind, outcome string) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheRead counts a cache hit or miss for a namespace.
func (m *Metrics) RecordCacheRead(namespace string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheOps.WithLabelValues(namespace, result).Inc()
}

// RecordFallback counts a degraded result (stale, empty, default).
func (m *Metrics) RecordFallback(kind string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(kind).Inc()
}

// RecordFilterDecision counts one relevance verdict.
func (m *Metrics) RecordFilterDecision(relevant bool, source string) {
	if m == nil {
		return
	}
	decision := "filtered"
	if relevant {
		decision = "relevant"
	}
	m.FilterDecisions.WithLabelValues(decision, source).Inc()
}

// ObserveAICall records the latency of one upstream model call.
func (m *Metrics) ObserveAICall(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.AICallDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// NewLogger builds the standard component logger.
func NewLogger(prefix string) *log.Logger {
	return log.New(log.Writer(), "["+prefix+"] ", log.LstdFlags)
}
