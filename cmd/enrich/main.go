package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"txn-enricher/internal/cfg"
	"txn-enricher/internal/common"
	"txn-enricher/internal/docio"
	"txn-enricher/internal/enrich"
	"txn-enricher/internal/features"
	"txn-enricher/internal/metrics"
	"txn-enricher/internal/ml"
	"txn-enricher/internal/report"
	"txn-enricher/internal/telemetry"
	"txn-enricher/internal/txn"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (overrides CONFIG_FILE)")
		bundlePath = flag.String("bundle", "", "Model bundle path or URI")
		inputPath  = flag.String("input", "", "Input document path or URI, - for stdin")
		outputPath = flag.String("output", "", "Output document path or URI, - for stdout")
		reportPath = flag.String("report", "", "Optional report path (.json or text)")
		logLevel   = flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
	)
	flag.Parse()

	if *configPath != "" {
		os.Setenv(common.EnvConfigFile, *configPath)
	}

	config, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command line arguments win over config and environment
	setIf(&config.BundlePath, *bundlePath)
	setIf(&config.InputPath, *inputPath)
	setIf(&config.OutputPath, *outputPath)
	setIf(&config.ReportPath, *reportPath)
	setIf(&config.LogLevel, *logLevel)

	if err := telemetry.ConfigureLogger(config.LogLevel, config.LogFormat, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	runID := uuid.NewString()
	log.Logger = log.With().Str("run_id", runID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	shutdown, err := telemetry.Setup(ctx, config.ServiceName, config.OTELEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}

	reg := prometheus.NewRegistry()
	wrapper := metrics.NewWrapper(metrics.NewWithRegistry(reg))
	store := docio.New(
		docio.WithHTTPTimeout(config.FetchTimeout),
		docio.WithBackoff(500*time.Millisecond, config.FetchMaxElapsed),
		docio.WithMetrics(wrapper),
	)

	err = run(ctx, config, store, wrapper, runID)
	stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if ferr := shutdown(flushCtx); ferr != nil {
		log.Warn().Err(ferr).Msg("Failed to flush traces")
	}
	cancel()

	if err != nil {
		logFailure(err)
		os.Exit(1)
	}
	logMetrics(reg)
}

// run executes one enrichment. Nothing is written unless every stage
// succeeds, including building the optional report.
func run(ctx context.Context, config cfg.Settings, store *docio.Store, wrapper *metrics.MetricsWrapper, runID string) error {
	log.Info().
		Str("bundle", config.BundlePath).
		Str("input", config.InputPath).
		Str("output", config.OutputPath).
		Str("hour_policy", config.HourPolicy).
		Msg("Starting enrichment run")

	bundle, err := store.LoadBundle(ctx, config.BundlePath)
	if err != nil {
		return err
	}
	wrapper.ModelLoaded(bundle.Age(time.Now()).Seconds(), len(bundle.Features()))

	doc, err := store.Load(ctx, config.InputPath)
	if err != nil {
		return err
	}

	deriver := features.NewDeriver(
		features.WithHighRiskMerchants(config.HighRiskMerchants),
		features.WithHourPolicy(config.HourPolicy, config.HourSeed),
	)
	enricher, err := enrich.New(bundle, enrich.WithDeriver(deriver), enrich.WithMetrics(wrapper))
	if err != nil {
		return err
	}

	enriched, err := enricher.Enrich(ctx, doc)
	if err != nil {
		return err
	}

	var reportData []byte
	if config.ReportPath != "" {
		reportData, err = buildReport(enriched, config.ReportPath, runID, bundle.Metadata().Version)
		if err != nil {
			return err
		}
	}

	if err := store.Write(ctx, config.OutputPath, enriched); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	log.Info().Str("output", config.OutputPath).Msg("Enriched document written")

	if reportData != nil {
		if err := store.WriteBytes(ctx, config.ReportPath, reportData); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		log.Info().Str("report", config.ReportPath).Msg("Report written")
	}
	return nil
}

func buildReport(doc *txn.Document, path, runID, version string) ([]byte, error) {
	r, err := report.Build(doc, runID, version, time.Now())
	if err != nil {
		return nil, fmt.Errorf("build report: %w", err)
	}
	data, err := r.Encode(report.FormatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	log.Debug().
		Int("transactions", r.Transactions).
		Int("spontaneous", r.Spontaneous).
		Msg("Report built")
	return data, nil
}

// logFailure names the failing stage, and the bucket where there is one.
func logFailure(err error) {
	if failures := enrich.BucketErrors(err); len(failures) > 0 {
		for _, f := range failures {
			log.Error().Err(f.Err).Str("stage", f.Stage).Str("bucket", f.Bucket).Msg("Bucket enrichment failed")
		}
		log.Error().Int("failed_buckets", len(failures)).Msg("Enrichment failed, no output written")
		return
	}

	var bundleErr *ml.BundleLoadError
	var inputErr *docio.InputLoadError
	switch {
	case errors.As(err, &bundleErr):
		log.Error().Err(err).Str("stage", enrich.StageBundleLoad).Msg("Failed to load model bundle")
	case errors.As(err, &inputErr):
		log.Error().Err(err).Str("stage", enrich.StageDocumentLoad).Msg("Failed to load input document")
	default:
		log.Error().Err(err).Msg("Enrichment run failed")
	}
}

// logMetrics dumps the run's counters and gauges.
func logMetrics(reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		log.Debug().Err(err).Msg("Failed to gather metrics")
		return
	}
	for _, mf := range families {
		total := 0.0
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		log.Debug().Str("metric", mf.GetName()).Float64("value", total).Msg("Run metric")
	}
}

func setIf(target *string, v string) {
	if v != "" {
		*target = v
	}
}
