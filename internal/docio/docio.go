// Package docio reads and writes user records and model bundles from local
// files, standard streams, HTTP endpoints and Cloud Storage objects.
package docio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"txn-enricher/internal/ml"
	"txn-enricher/internal/txn"

	"cloud.google.com/go/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// URI schemes understood by Store.
const (
	SchemeFile  = "file"
	SchemeStdio = "stdio"
	SchemeHTTP  = "http"
	SchemeGCS   = "gs"
)

const stdioURI = "-"

// Recorder receives fetch outcomes.
type Recorder interface {
	FetchObserve(scheme, outcome string)
}

// InputLoadError means the user record could not be read or parsed.
type InputLoadError struct {
	Source string
	Err    error
}

func (e *InputLoadError) Error() string {
	return fmt.Sprintf("document load %s: %v", e.Source, e.Err)
}

func (e *InputLoadError) Unwrap() error { return e.Err }

// HTTPStatusError is a non-2xx response from a remote source.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// Store moves documents between the enricher and its sources and sinks.
type Store struct {
	http       *resty.Client
	initial    time.Duration
	maxElapsed time.Duration
	stdin      io.Reader
	stdout     io.Writer
	metrics    Recorder
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPTimeout bounds every single HTTP attempt.
func WithHTTPTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.http.SetTimeout(d)
		}
	}
}

// WithBackoff sets the first retry interval and the total retry budget for
// remote fetches.
func WithBackoff(initial, maxElapsed time.Duration) Option {
	return func(s *Store) {
		if initial > 0 {
			s.initial = initial
		}
		if maxElapsed > 0 {
			s.maxElapsed = maxElapsed
		}
	}
}

// WithStdio replaces the streams behind the "-" URI.
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(s *Store) {
		s.stdin = in
		s.stdout = out
	}
}

// WithMetrics sets the fetch recorder.
func WithMetrics(r Recorder) Option {
	return func(s *Store) { s.metrics = r }
}

// New creates a Store with a 10s per-attempt HTTP timeout and a 30s retry
// budget.
func New(opts ...Option) *Store {
	s := &Store{
		http:       resty.New().SetTimeout(10 * time.Second),
		initial:    backoff.DefaultInitialInterval,
		maxElapsed: 30 * time.Second,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scheme classifies a source or sink URI.
func Scheme(uri string) string {
	switch {
	case uri == stdioURI:
		return SchemeStdio
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return SchemeHTTP
	case strings.HasPrefix(uri, "gs://"):
		return SchemeGCS
	default:
		return SchemeFile
	}
}

// Fetch returns the raw bytes behind uri.
func (s *Store) Fetch(ctx context.Context, uri string) ([]byte, error) {
	scheme := Scheme(uri)
	var (
		data []byte
		err  error
	)
	switch scheme {
	case SchemeStdio:
		data, err = io.ReadAll(s.stdin)
	case SchemeHTTP:
		data, err = s.fetchHTTP(ctx, uri)
	case SchemeGCS:
		data, err = fetchGCS(ctx, uri)
	default:
		data, err = os.ReadFile(strings.TrimPrefix(uri, "file://"))
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	if s.metrics != nil {
		s.metrics.FetchObserve(scheme, outcome)
	}
	if err != nil {
		return nil, err
	}
	log.Debug().Str("uri", uri).Str("scheme", scheme).Int("bytes", len(data)).Msg("Fetched document")
	return data, nil
}

func (s *Store) fetchHTTP(ctx context.Context, uri string) ([]byte, error) {
	var body []byte
	operation := func() error {
		resp, err := s.http.R().SetContext(ctx).Get(uri)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		code := resp.StatusCode()
		if code >= 400 && code < 500 {
			return backoff.Permanent(&HTTPStatusError{StatusCode: code})
		}
		if !resp.IsSuccess() {
			return &HTTPStatusError{StatusCode: code}
		}
		body = resp.Body()
		return nil
	}

	backoffStrategy := backoff.NewExponentialBackOff()
	backoffStrategy.InitialInterval = s.initial
	backoffStrategy.MaxElapsedTime = s.maxElapsed

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("uri", uri).Dur("retry_in", wait).Msg("Fetch failed, retrying")
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(backoffStrategy, ctx), notify); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", uri, err)
	}
	return body, nil
}

// splitGCS parses gs://bucket/object.
func splitGCS(uri string) (bucket, object string, err error) {
	trimmed := strings.TrimPrefix(uri, "gs://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

func fetchGCS(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := splitGCS(uri)
	if err != nil {
		return nil, err
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	defer client.Close()

	r, err := client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open GCS object reader: %w", err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read GCS object: %w", err)
	}
	return data, nil
}

// Load fetches and parses a user record. Any failure is an InputLoadError.
func (s *Store) Load(ctx context.Context, uri string) (*txn.Document, error) {
	data, err := s.Fetch(ctx, uri)
	if err != nil {
		return nil, &InputLoadError{Source: uri, Err: err}
	}
	doc, err := txn.ParseDocument(data)
	if err != nil {
		return nil, &InputLoadError{Source: uri, Err: err}
	}
	return doc, nil
}

// LoadBundle fetches and parses a model bundle. Any failure is an
// ml.BundleLoadError.
func (s *Store) LoadBundle(ctx context.Context, uri string) (*ml.Bundle, error) {
	if Scheme(uri) == SchemeFile {
		return ml.LoadBundleFile(strings.TrimPrefix(uri, "file://"))
	}
	data, err := s.Fetch(ctx, uri)
	if err != nil {
		return nil, &ml.BundleLoadError{Source: uri, Err: err}
	}
	return ml.ParseBundle(data, ml.FormatForPath(uri), uri)
}

// Encode renders a document as indented JSON with non-ASCII and HTML
// characters kept literal.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write encodes doc and stores it at uri.
func (s *Store) Write(ctx context.Context, uri string, doc *txn.Document) error {
	data, err := Encode(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	return s.WriteBytes(ctx, uri, data)
}

// WriteBytes stores data at uri. Local files are replaced atomically so a
// failed write never leaves a partial file behind.
func (s *Store) WriteBytes(ctx context.Context, uri string, data []byte) error {
	switch Scheme(uri) {
	case SchemeStdio:
		_, err := s.stdout.Write(data)
		return err
	case SchemeGCS:
		return writeGCS(ctx, uri, data)
	case SchemeHTTP:
		return errors.New("writing to http sinks is not supported")
	default:
		return writeFileAtomic(strings.TrimPrefix(uri, "file://"), data)
	}
}

func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func writeGCS(ctx context.Context, uri string, data []byte) error {
	bucket, object, err := splitGCS(uri)
	if err != nil {
		return err
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("create storage client: %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write GCS object: %w", err)
	}
	// the object only becomes visible once Close succeeds
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}
