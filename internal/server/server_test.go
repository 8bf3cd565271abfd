package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"txn-enricher/internal/common"
	"txn-enricher/internal/enrich"
	"txn-enricher/internal/metrics"
	"txn-enricher/internal/ml"
	"txn-enricher/internal/txn"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBundle = `{
  "metadata": {"version": "2025.09-test", "training_samples": 120},
  "features": ["is_high_risk_merchant"],
  "imputer": {"strategy": "most_frequent", "feature_names": ["is_high_risk_merchant"], "statistics": [0]},
  "model": {"type": "logistic_regression", "n_features": 1, "coef": [1], "intercept": -0.5}
}`

const validDoc = `{
  "monthly_income": 3000,
  "profile": {"id": 7},
  "transactions3Current": [
    {"date":"2025-09-01","amount":-15,"merchant":"Netflix"},
    {"date":"2025-09-02","amount":-80,"merchant":"Grocery"}
  ]
}`

type recorder struct {
	mu          sync.Mutex
	requests    map[string]int
	rateLimited int
}

func (r *recorder) HTTPObserve(route string, code int, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.requests == nil {
		r.requests = make(map[string]int)
	}
	r.requests[route+" "+http.StatusText(code)]++
}

func (r *recorder) RateLimitedInc() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimited++
}

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	b, err := ml.ParseBundle([]byte(testBundle), ml.FormatJSON, "test")
	require.NoError(t, err)
	e, err := enrich.New(b)
	require.NoError(t, err)

	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = 1000
	}
	if opts.Burst == 0 {
		opts.Burst = 1000
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	return New(e, opts)
}

func do(s *Server, method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestEnrich_Success(t *testing.T) {
	rec := &recorder{}
	s := newTestServer(t, Options{Metrics: rec})

	rr := do(s, http.MethodPost, "/enrich", validDoc)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get(RequestIDHeader))

	doc, err := txn.ParseDocument(rr.Body.Bytes())
	require.NoError(t, err)
	txns, ok := doc.Bucket(common.BucketCurrent)
	require.True(t, ok)
	require.Len(t, txns, 2)

	first, ok := txns[0].Prediction()
	require.True(t, ok)
	assert.True(t, first)
	second, ok := txns[1].Prediction()
	require.True(t, ok)
	assert.False(t, second)

	assert.Contains(t, rr.Body.String(), `"profile": {`)
	_, ok = doc.Bucket(common.BucketOlder)
	assert.False(t, ok, "absent buckets stay absent")

	assert.Equal(t, 1, rec.requests["/enrich OK"])
}

func TestEnrich_InvalidDocument(t *testing.T) {
	s := newTestServer(t, Options{})

	for _, body := range []string{``, `{"monthly_income":`, `[1]`, `{"transactions1":{}}`} {
		rr := do(s, http.MethodPost, "/enrich", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, enrich.StageDocumentLoad, resp.Stage)
	}
}

func TestEnrich_BucketFailure(t *testing.T) {
	s := newTestServer(t, Options{})

	body := `{
	  "monthly_income": 3000,
	  "transactions1": [{"date":"2025-09-01","amount":-1}],
	  "transactions2": [{"date":"not a date","amount":-1}]
	}`
	rr := do(s, http.MethodPost, "/enrich", body, RequestIDHeader, "req-42")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "req-42", rr.Header().Get(RequestIDHeader))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "req-42", resp.RequestID)
	assert.Equal(t, enrich.StageFeatureDerivation, resp.Stage)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, common.BucketMiddle, resp.Failures[0].Bucket)
	assert.Equal(t, enrich.StageFeatureDerivation, resp.Failures[0].Stage)
	assert.NotEmpty(t, resp.Failures[0].Error)
}

func TestEnrich_RateLimited(t *testing.T) {
	rec := &recorder{}
	s := newTestServer(t, Options{RequestsPerSecond: 0.001, Burst: 1, Metrics: rec})

	first := do(s, http.MethodPost, "/enrich", validDoc)
	assert.Equal(t, http.StatusOK, first.Code)

	second := do(s, http.MethodPost, "/enrich", validDoc)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.Equal(t, 1, rec.rateLimited)

	// health is not rate limited
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "").Code)
}

func TestEnrich_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, Options{})
	rr := do(s, http.MethodGet, "/enrich", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{})

	rr := do(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "2025.09-test", resp.ModelVersion)
	assert.Equal(t, 1, resp.Features)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, 0.0)
}

func TestModelInfo(t *testing.T) {
	s := newTestServer(t, Options{})

	rr := do(s, http.MethodGet, "/model/info", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ModelInfoResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "2025.09-test", resp.Version)
	assert.Equal(t, ml.ModelLogisticRegression, resp.Model)
	assert.Equal(t, ml.StrategyMostFrequent, resp.Imputer)
	assert.Equal(t, []string{"is_high_risk_merchant"}, resp.Features)
	assert.Equal(t, "test", resp.Source)
	assert.Equal(t, 120, resp.TrainingSamples)
	assert.False(t, resp.LoadedAt.IsZero())
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	w := metrics.NewWrapper(m)

	s := newTestServer(t, Options{
		Metrics:        w,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	require.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", "").Code)

	rr := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `route="/health"`)
}

func TestMetricsEndpoint_AbsentWithoutHandler(t *testing.T) {
	s := newTestServer(t, Options{})
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, "/metrics", "").Code)
}
