// Package metrics provides Prometheus metrics for transaction enrichment.
// It covers enrichment runs, per-bucket outcomes, prediction counts, stage
// latencies and the HTTP service that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the enricher.
type Metrics struct {
	// Enrichment metrics
	RunsTotal          *prometheus.CounterVec   // Enrichment runs by outcome
	BucketsProcessed   *prometheus.CounterVec   // Buckets enriched successfully
	BucketFailures     *prometheus.CounterVec   // Bucket failures by bucket and stage
	Predictions        *prometheus.CounterVec   // Transactions labelled, by bucket
	SpontaneousTotal   *prometheus.CounterVec   // Transactions labelled spontaneous, by bucket
	StageLatency       *prometheus.HistogramVec // Per-stage latency in seconds
	RunLatency         prometheus.Histogram     // End-to-end enrichment latency
	LastSpontaneousPct prometheus.Gauge         // Share of spontaneous labels in the last run

	// Model metrics
	ModelAge      prometheus.Gauge // Age of the loaded bundle in seconds
	ModelFeatures prometheus.Gauge // Width of the loaded feature schema

	// Service metrics
	HTTPRequests    *prometheus.CounterVec   // HTTP requests by route and status code
	HTTPLatency     *prometheus.HistogramVec // HTTP latency by route
	RateLimited     prometheus.Counter       // Requests rejected by the rate limiter
	DocumentFetches *prometheus.CounterVec   // Document fetches by scheme and outcome
}

// New creates and registers all metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_runs_total",
			Help: "Total number of enrichment runs by outcome",
		}, []string{"outcome"}),
		BucketsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_buckets_processed_total",
			Help: "Total number of buckets enriched successfully",
		}, []string{"bucket"}),
		BucketFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_bucket_failures_total",
			Help: "Total number of bucket failures by stage",
		}, []string{"bucket", "stage"}),
		Predictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_predictions_total",
			Help: "Total number of transactions labelled",
		}, []string{"bucket"}),
		SpontaneousTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "enrich_spontaneous_total",
			Help: "Total number of transactions labelled spontaneous",
		}, []string{"bucket"}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrich_stage_latency_seconds",
			Help:    "Latency of each enrichment stage in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"stage"}),
		RunLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "enrich_run_latency_seconds",
			Help:    "End-to-end enrichment latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		LastSpontaneousPct: factory.NewGauge(prometheus.GaugeOpts{
			Name: "enrich_last_spontaneous_ratio",
			Help: "Share of transactions labelled spontaneous in the last successful run",
		}),
		ModelAge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "model_age_seconds",
			Help: "Age of the loaded model bundle in seconds",
		}),
		ModelFeatures: factory.NewGauge(prometheus.GaugeOpts{
			Name: "model_features",
			Help: "Number of features in the loaded model schema",
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route and status code",
		}, []string{"route", "code"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		}),
		DocumentFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "document_fetches_total",
			Help: "Total number of document fetches by scheme and outcome",
		}, []string{"scheme", "outcome"}),
	}
}
