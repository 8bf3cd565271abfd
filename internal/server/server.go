// Package server exposes the enricher over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"txn-enricher/internal/docio"
	"txn-enricher/internal/enrich"
	"txn-enricher/internal/txn"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

const maxBodyBytes = 16 << 20

// Recorder receives HTTP metrics.
type Recorder interface {
	HTTPObserve(route string, code int, seconds float64)
	RateLimitedInc()
}

// Options configures a Server.
type Options struct {
	Port              int
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration
	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
	Metrics        Recorder
}

// Server provides the HTTP API for enrichment.
type Server struct {
	enricher *enrich.Enricher
	limiter  *rate.Limiter
	timeout  time.Duration
	metrics  Recorder
	started  time.Time
	handler  http.Handler
	server   *http.Server
}

// FailureResponse describes one failed bucket.
type FailureResponse struct {
	Bucket string `json:"bucket"`
	Stage  string `json:"stage"`
	Error  string `json:"error"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Stage     string            `json:"stage,omitempty"`
	Failures  []FailureResponse `json:"failures,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	ModelVersion  string  `json:"model_version"`
	Features      int     `json:"features"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// ModelInfoResponse is the body of GET /model/info.
type ModelInfoResponse struct {
	Version         string     `json:"version"`
	Model           string     `json:"model"`
	Imputer         string     `json:"imputer"`
	Features        []string   `json:"features"`
	Source          string     `json:"source"`
	LoadedAt        time.Time  `json:"loaded_at"`
	TrainedAt       *time.Time `json:"trained_at,omitempty"`
	TrainingSamples int        `json:"training_samples,omitempty"`
	F1Score         float64    `json:"f1_score,omitempty"`
	AUCScore        float64    `json:"auc_score,omitempty"`
}

// New creates the HTTP server around an enricher.
func New(e *enrich.Enricher, opts Options) *Server {
	s := &Server{
		enricher: e,
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		timeout:  opts.RequestTimeout,
		metrics:  opts.Metrics,
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /enrich", s.observe("/enrich", s.rateLimit(http.HandlerFunc(s.handleEnrich))))
	mux.Handle("GET /health", s.observe("/health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /model/info", s.observe("/model/info", http.HandlerFunc(s.handleModelInfo)))
	if opts.MetricsHandler != nil {
		mux.Handle("GET /metrics", opts.MetricsHandler)
	}
	s.handler = requestID(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: opts.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins serving HTTP requests. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting enrichment server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, r, status, ErrorResponse{Error: err.Error(), Stage: enrich.StageDocumentLoad})
		return
	}
	doc, err := txn.ParseDocument(body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid document: %v", err),
			Stage: enrich.StageDocumentLoad,
		})
		return
	}

	ctx := r.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out, err := s.enricher.Enrich(ctx, doc)
	if err != nil {
		failures := enrich.BucketErrors(err)
		if len(failures) == 0 {
			status := http.StatusServiceUnavailable
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			logger.Warn().Err(err).Msg("Enrichment interrupted")
			writeError(w, r, status, ErrorResponse{Error: err.Error()})
			return
		}

		resp := ErrorResponse{Error: "enrichment failed", Stage: failures[0].Stage}
		for _, f := range failures {
			resp.Failures = append(resp.Failures, FailureResponse{Bucket: f.Bucket, Stage: f.Stage, Error: f.Err.Error()})
		}
		logger.Warn().Err(err).Int("failed_buckets", len(failures)).Msg("Enrichment failed")
		writeError(w, r, http.StatusUnprocessableEntity, resp)
		return
	}

	data, err := docio.Encode(out)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode enriched document")
		writeError(w, r, http.StatusInternalServerError, ErrorResponse{Error: "encode failed"})
		return
	}

	logger.Debug().Int("bytes", len(data)).Msg("Document enriched")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	b := s.enricher.Bundle()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		ModelVersion:  b.Metadata().Version,
		Features:      len(b.Features()),
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	b := s.enricher.Bundle()
	meta := b.Metadata()
	writeJSON(w, http.StatusOK, ModelInfoResponse{
		Version:         meta.Version,
		Model:           b.Classifier().Kind(),
		Imputer:         b.Imputer().Strategy(),
		Features:        b.Features(),
		Source:          b.Source(),
		LoadedAt:        b.LoadedAt(),
		TrainedAt:       meta.TrainedAt,
		TrainingSamples: meta.TrainingSamples,
		F1Score:         meta.F1Score,
		AUCScore:        meta.AUCScore,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	resp.RequestID = w.Header().Get(RequestIDHeader)
	writeJSON(w, status, resp)
}

// requestID tags every request with an id, echoed in the response header
// and attached to the request-scoped logger. Incoming trace context is
// extracted so pipeline spans join the caller's trace.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		logger := log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			if s.metrics != nil {
				s.metrics.RateLimitedInc()
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) observe(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.HTTPObserve(route, sr.status, elapsed.Seconds())
		}
		zerolog.Ctx(r.Context()).Debug().
			Str("route", route).
			Int("status", sr.status).
			Dur("latency", elapsed).
			Msg("Request served")
	})
}
