package enrich

import (
	"sync"
	"testing"

	"txn-enricher/internal/features"
	"txn-enricher/internal/ml"

	"github.com/stretchr/testify/require"
)

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu          sync.Mutex
	runs        map[string]int
	processed   map[string]int
	failures    map[string]string
	predictions map[string]int
	spontaneous map[string]int
	stages      map[string]int
	ratio       float64
}

func newMockMetrics() *MockMetrics {
	return &MockMetrics{
		runs:        make(map[string]int),
		processed:   make(map[string]int),
		failures:    make(map[string]string),
		predictions: make(map[string]int),
		spontaneous: make(map[string]int),
		stages:      make(map[string]int),
	}
}

func (m *MockMetrics) RunObserve(outcome string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[outcome]++
}

func (m *MockMetrics) BucketProcessedInc(bucket string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[bucket]++
}

func (m *MockMetrics) BucketFailureInc(bucket, stage string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[bucket] = stage
}

func (m *MockMetrics) PredictionsAdd(bucket string, total, spontaneous int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.predictions[bucket] += total
	m.spontaneous[bucket] += spontaneous
}

func (m *MockMetrics) StageLatencyObserve(stage string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage]++
}

func (m *MockMetrics) SpontaneousRatioSet(ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratio = ratio
}

// weights builds a coefficient vector over schema with the given non-zero
// entries.
func weights(schema []string, nonZero map[string]float64) []float64 {
	coef := make([]float64, len(schema))
	for i, name := range schema {
		coef[i] = nonZero[name]
	}
	return coef
}

// medianImputer fills every column with 0 except transaction_hour, which
// gets 12.
func medianImputer(t *testing.T, schema []string) *ml.Imputer {
	t.Helper()
	stats := make([]float64, len(schema))
	for i, name := range schema {
		if name == features.TransactionHour {
			stats[i] = 12
		}
	}
	im, err := ml.NewImputer(ml.StrategyMedian, schema, stats)
	require.NoError(t, err)
	return im
}

// highRiskBundle labels a transaction spontaneous iff its merchant is on the
// denylist.
func highRiskBundle(t *testing.T) *ml.Bundle {
	t.Helper()
	schema := features.Names
	clf, err := ml.NewLogisticRegression(weights(schema, map[string]float64{features.IsHighRiskMerchant: 1}), -0.5)
	require.NoError(t, err)
	b, err := ml.NewBundle(schema, medianImputer(t, schema), clf, ml.Metadata{Version: "high-risk"})
	require.NoError(t, err)
	return b
}

// gapBundle labels a transaction spontaneous iff more than 30 hours passed
// since the chronologically previous one.
func gapBundle(t *testing.T) *ml.Bundle {
	t.Helper()
	schema := features.Names
	clf, err := ml.NewLogisticRegression(weights(schema, map[string]float64{features.DeltaTimePrevious: 1}), -30)
	require.NoError(t, err)
	b, err := ml.NewBundle(schema, medianImputer(t, schema), clf, ml.Metadata{Version: "gap"})
	require.NoError(t, err)
	return b
}

// stubClassifier returns fixed labels or a fixed error.
type stubClassifier struct {
	width  int
	labels []bool
	err    error
}

func (s *stubClassifier) Predict(_ *features.Table) ([]bool, error) { return s.labels, s.err }
func (s *stubClassifier) NumFeatures() int                          { return s.width }
func (s *stubClassifier) Kind() string                              { return "stub" }

func stubBundle(t *testing.T, clf *stubClassifier) *ml.Bundle {
	t.Helper()
	schema := features.Names
	clf.width = len(schema)
	b, err := ml.NewBundle(schema, medianImputer(t, schema), clf, ml.Metadata{})
	require.NoError(t, err)
	return b
}
