// Package enrich runs the spontaneity pipeline over a user record: for each
// transaction bucket it derives features, imputes missing values, classifies
// and merges the labels back onto the original transactions.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"txn-enricher/internal/common"
	"txn-enricher/internal/features"
	"txn-enricher/internal/ml"
	"txn-enricher/internal/txn"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "txn-enricher/internal/enrich"

// Run outcomes reported to metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// MetricsInterface defines the metrics the enricher records.
type MetricsInterface interface {
	RunObserve(outcome string, seconds float64)
	BucketProcessedInc(bucket string)
	BucketFailureInc(bucket, stage string)
	PredictionsAdd(bucket string, total, spontaneous int)
	StageLatencyObserve(stage string, seconds float64)
	SpontaneousRatioSet(ratio float64)
}

// Enricher labels transactions with the model bundle it was built with.
// It holds no per-call state and is safe for concurrent use.
type Enricher struct {
	bundle  *ml.Bundle
	schema  []string
	deriver *features.Deriver
	metrics MetricsInterface
	tracer  trace.Tracer
}

// Option configures an Enricher.
type Option func(*Enricher)

// WithDeriver replaces the default feature deriver.
func WithDeriver(d *features.Deriver) Option {
	return func(e *Enricher) { e.deriver = d }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsInterface) Option {
	return func(e *Enricher) { e.metrics = m }
}

// WithTracer sets the tracer used for pipeline spans. The global provider
// is used by default.
func WithTracer(t trace.Tracer) Option {
	return func(e *Enricher) { e.tracer = t }
}

// New creates an Enricher around a loaded bundle.
func New(bundle *ml.Bundle, opts ...Option) (*Enricher, error) {
	if bundle == nil {
		return nil, errors.New("enrich: bundle is required")
	}
	e := &Enricher{
		bundle:  bundle,
		schema:  bundle.Features(),
		deriver: features.NewDeriver(),
		tracer:  otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Bundle returns the bundle the enricher scores with.
func (e *Enricher) Bundle() *ml.Bundle { return e.bundle }

// Enrich labels every bucket of doc and returns a new document. doc and its
// transactions are left untouched. Every bucket is attempted; if any fails
// the joined BucketErrors are returned and no document is produced.
// Cancellation is checked between buckets, never inside one.
func (e *Enricher) Enrich(ctx context.Context, doc *txn.Document) (*txn.Document, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "enrich.Document")
	defer span.End()

	out := doc
	income := doc.MonthlyIncome()
	var errs []error
	total, spontaneous := 0, 0

	for _, bucket := range common.Buckets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("enrichment interrupted before bucket %s: %w", bucket, err))
			break
		}

		txns, ok := doc.Bucket(bucket)
		if !ok {
			log.Debug().Str("bucket", bucket).Msg("Bucket absent, skipping")
			continue
		}

		labelled, err := e.EnrichBucket(ctx, bucket, txns, income)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, tx := range labelled {
			if v, _ := tx.Prediction(); v {
				spontaneous++
			}
		}
		total += len(labelled)
		out = out.WithBucket(bucket, labelled)
	}

	elapsed := time.Since(start).Seconds()
	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		span.SetStatus(codes.Error, "enrichment failed")
		e.observeRun(OutcomeFailure, elapsed)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("enrich.transactions", total),
		attribute.Int("enrich.spontaneous", spontaneous),
	)
	e.observeRun(OutcomeSuccess, elapsed)
	if e.metrics != nil && total > 0 {
		e.metrics.SpontaneousRatioSet(float64(spontaneous) / float64(total))
	}
	return out, nil
}

// EnrichBucket labels one bucket. The returned transactions are new values
// in the input order, each carrying the prediction field. An empty bucket
// yields an empty result.
func (e *Enricher) EnrichBucket(ctx context.Context, bucket string, txns []*txn.Transaction, income decimal.Decimal) ([]*txn.Transaction, error) {
	labelled := make([]*txn.Transaction, 0, len(txns))
	if len(txns) == 0 {
		log.Debug().Str("bucket", bucket).Msg("Empty bucket, nothing to label")
		if e.metrics != nil {
			e.metrics.BucketProcessedInc(bucket)
		}
		return labelled, nil
	}

	ctx, span := e.tracer.Start(ctx, "enrich.Bucket", trace.WithAttributes(
		attribute.String("enrich.bucket", bucket),
		attribute.Int("enrich.transactions", len(txns)),
	))
	defer span.End()

	fail := func(stage string, err error) error {
		berr := &BucketError{Bucket: bucket, Stage: stage, Err: err}
		span.RecordError(berr)
		span.SetStatus(codes.Error, stage)
		if e.metrics != nil {
			e.metrics.BucketFailureInc(bucket, stage)
		}
		log.Debug().Err(err).Str("bucket", bucket).Str("stage", stage).Msg("Bucket failed")
		return berr
	}

	var table *features.Table
	err := e.stage(ctx, StageFeatureDerivation, func() error {
		var err error
		table, err = e.deriver.Derive(txns, income, e.schema)
		return err
	})
	if err != nil {
		return nil, fail(StageFeatureDerivation, err)
	}

	var imputed *features.Table
	err = e.stage(ctx, StageImputation, func() error {
		var err error
		imputed, err = e.bundle.Imputer().Transform(table)
		return err
	})
	if err != nil {
		return nil, fail(StageImputation, err)
	}

	var labels []bool
	err = e.stage(ctx, StageInference, func() error {
		var err error
		labels, err = e.bundle.Classifier().Predict(imputed)
		if err == nil && len(labels) != len(txns) {
			err = &ml.InferenceError{Row: -1, Reason: fmt.Sprintf("got %d labels for %d transactions", len(labels), len(txns))}
		}
		return err
	})
	if err != nil {
		return nil, fail(StageInference, err)
	}

	// table rows follow input order, so label i belongs to txns[i]
	spontaneous := 0
	for i, tx := range txns {
		labelled = append(labelled, tx.WithPrediction(labels[i]))
		if labels[i] {
			spontaneous++
		}
	}

	span.SetAttributes(attribute.Int("enrich.spontaneous", spontaneous))
	if e.metrics != nil {
		e.metrics.BucketProcessedInc(bucket)
		e.metrics.PredictionsAdd(bucket, len(txns), spontaneous)
	}
	log.Debug().
		Str("bucket", bucket).
		Int("transactions", len(txns)).
		Int("spontaneous", spontaneous).
		Msg("Bucket labelled")
	return labelled, nil
}

func (e *Enricher) stage(ctx context.Context, name string, fn func() error) error {
	_, span := e.tracer.Start(ctx, "enrich."+name)
	defer span.End()

	start := time.Now()
	err := fn()
	if e.metrics != nil {
		e.metrics.StageLatencyObserve(name, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Enricher) observeRun(outcome string, seconds float64) {
	if e.metrics != nil {
		e.metrics.RunObserve(outcome, seconds)
	}
}
