package docio

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"txn-enricher/internal/ml"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `{"monthly_income":2500,"transactions1":[{"date":"2025-09-01","amount":-5,"merchant":"Café <Nord> & Co"}],"note":"ünïcode"}`

const sampleBundle = `{
  "features": ["is_high_risk_merchant"],
  "imputer": {"strategy": "most_frequent", "feature_names": ["is_high_risk_merchant"], "statistics": [0]},
  "model": {"type": "logistic_regression", "n_features": 1, "coef": [1], "intercept": -0.5}
}`

type fetchRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *fetchRecorder) FetchObserve(scheme, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[scheme+"/"+outcome]++
}

func fastStore(opts ...Option) *Store {
	return New(append([]Option{WithBackoff(time.Millisecond, 2*time.Second)}, opts...)...)
}

func TestScheme(t *testing.T) {
	testCases := []struct {
		uri  string
		want string
	}{
		{"-", SchemeStdio},
		{"http://host/doc.json", SchemeHTTP},
		{"https://host/doc.json", SchemeHTTP},
		{"gs://bucket/users/1.json", SchemeGCS},
		{"data/input.json", SchemeFile},
		{"file:///tmp/input.json", SchemeFile},
		{"/abs/-", SchemeFile},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, Scheme(tc.uri), tc.uri)
	}
}

func TestSplitGCS(t *testing.T) {
	bucket, object, err := splitGCS("gs://records/users/42.json")
	require.NoError(t, err)
	assert.Equal(t, "records", bucket)
	assert.Equal(t, "users/42.json", object)

	for _, bad := range []string{"gs://records", "gs://records/", "gs:///object"} {
		_, _, err := splitGCS(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o600))

	rec := &fetchRecorder{}
	doc, err := fastStore(WithMetrics(rec)).Load(context.Background(), path)
	require.NoError(t, err)

	txns, ok := doc.Bucket("transactions1")
	require.True(t, ok)
	assert.Len(t, txns, 1)
	assert.Equal(t, 1, rec.counts["file/success"])

	doc, err = fastStore().Load(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, "2500", doc.MonthlyIncome().String())
}

func TestLoad_Failures(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
		return p
	}

	testCases := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(dir, "nope.json")},
		{"not json", write("bad.json", `{"monthly_income":`)},
		{"not an object", write("array.json", `[1,2]`)},
		{"bucket not array", write("bucket.json", `{"monthly_income":1,"transactions2":{"date":"2025-09-01"}}`)},
		{"income not numeric", write("income.json", `{"monthly_income":"lots"}`)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := fastStore().Load(context.Background(), tc.path)
			assert.Nil(t, doc)
			var lerr *InputLoadError
			require.True(t, errors.As(err, &lerr))
			assert.Equal(t, tc.path, lerr.Source)
			assert.Contains(t, err.Error(), "document load")
		})
	}
}

func TestLoad_Stdin(t *testing.T) {
	var out bytes.Buffer
	s := fastStore(WithStdio(strings.NewReader(sampleDoc), &out))

	doc, err := s.Load(context.Background(), "-")
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), "-", doc))

	assert.Contains(t, out.String(), "Café <Nord> & Co")
	assert.Contains(t, out.String(), "ünïcode")
	assert.True(t, strings.HasSuffix(out.String(), "\n"))
}

func TestFetch_HTTPRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(sampleDoc))
	}))
	defer srv.Close()

	rec := &fetchRecorder{}
	doc, err := fastStore(WithMetrics(rec)).Load(context.Background(), srv.URL+"/users/1")
	require.NoError(t, err)
	assert.NotNil(t, doc)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, rec.counts["http/success"])
}

func TestFetch_HTTPClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rec := &fetchRecorder{}
	_, err := fastStore(WithMetrics(rec)).Fetch(context.Background(), srv.URL)
	require.Error(t, err)

	var serr *HTTPStatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusNotFound, serr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, rec.counts["http/failure"])
}

func TestFetch_HTTPGivesUpAfterBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(WithBackoff(time.Millisecond, 50*time.Millisecond))
	_, err := s.Fetch(context.Background(), srv.URL)
	var serr *HTTPStatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusBadGateway, serr.StatusCode)
}

func TestWrite_FileIsAtomicAndLiteral(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(in, []byte(sampleDoc), 0o600))

	s := fastStore()
	doc, err := s.Load(context.Background(), in)
	require.NoError(t, err)

	out := filepath.Join(dir, "nested", "out.json")
	require.NoError(t, s.Write(context.Background(), out, doc))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Café <Nord> & Co")
	assert.Contains(t, string(data), "\n  \"transactions1\": [")

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files left behind")
	assert.Equal(t, "out.json", entries[0].Name())

	// overwrite keeps a single complete file
	require.NoError(t, s.Write(context.Background(), out, doc))
	again, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestWrite_Failures(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	s := fastStore()
	err := s.WriteBytes(context.Background(), filepath.Join(blocker, "out.json"), []byte("{}"))
	assert.Error(t, err)

	err = s.WriteBytes(context.Background(), "https://example.com/out.json", []byte("{}"))
	assert.Error(t, err)
}

func TestLoadBundle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleBundle), 0o600))

	s := fastStore()
	b, err := s.LoadBundle(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"is_high_risk_merchant"}, b.Features())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bundle.json" {
			_, _ = w.Write([]byte(sampleBundle))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	b, err = s.LoadBundle(context.Background(), srv.URL+"/bundle.json")
	require.NoError(t, err)
	assert.Equal(t, ml.ModelLogisticRegression, b.Classifier().Kind())

	_, err = s.LoadBundle(context.Background(), srv.URL+"/other.json")
	var lerr *ml.BundleLoadError
	require.True(t, errors.As(err, &lerr))

	_, err = s.LoadBundle(context.Background(), filepath.Join(dir, "missing.json"))
	require.True(t, errors.As(err, &lerr))
}

func TestEncode(t *testing.T) {
	data, err := Encode(map[string]string{"k": "<ä>"})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"k\": \"<ä>\"\n}\n", string(data))
}
