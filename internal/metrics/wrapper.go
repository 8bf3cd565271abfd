package metrics

import "strconv"

// MetricsWrapper adapts Metrics to the narrow recorder interfaces used by
// the enricher, the document fetcher and the HTTP service.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

// Metrics returns the underlying collectors.
func (w *MetricsWrapper) Metrics() *Metrics {
	return w.m
}

func (w *MetricsWrapper) RunObserve(outcome string, seconds float64) {
	w.m.RunsTotal.WithLabelValues(outcome).Inc()
	w.m.RunLatency.Observe(seconds)
}

func (w *MetricsWrapper) BucketProcessedInc(bucket string) {
	w.m.BucketsProcessed.WithLabelValues(bucket).Inc()
}

func (w *MetricsWrapper) BucketFailureInc(bucket, stage string) {
	w.m.BucketFailures.WithLabelValues(bucket, stage).Inc()
}

func (w *MetricsWrapper) PredictionsAdd(bucket string, total, spontaneous int) {
	w.m.Predictions.WithLabelValues(bucket).Add(float64(total))
	w.m.SpontaneousTotal.WithLabelValues(bucket).Add(float64(spontaneous))
}

func (w *MetricsWrapper) StageLatencyObserve(stage string, seconds float64) {
	w.m.StageLatency.WithLabelValues(stage).Observe(seconds)
}

func (w *MetricsWrapper) SpontaneousRatioSet(ratio float64) {
	w.m.LastSpontaneousPct.Set(ratio)
}

// ModelLoaded records the age in seconds and width of the active bundle.
func (w *MetricsWrapper) ModelLoaded(ageSeconds float64, features int) {
	w.m.ModelAge.Set(ageSeconds)
	w.m.ModelFeatures.Set(float64(features))
}

func (w *MetricsWrapper) HTTPObserve(route string, code int, seconds float64) {
	w.m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	w.m.HTTPLatency.WithLabelValues(route).Observe(seconds)
}

func (w *MetricsWrapper) RateLimitedInc() {
	w.m.RateLimited.Inc()
}

func (w *MetricsWrapper) FetchObserve(scheme, outcome string) {
	w.m.DocumentFetches.WithLabelValues(scheme, outcome).Inc()
}
