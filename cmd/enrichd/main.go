package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"txn-enricher/internal/cfg"
	"txn-enricher/internal/docio"
	"txn-enricher/internal/enrich"
	"txn-enricher/internal/features"
	"txn-enricher/internal/metrics"
	"txn-enricher/internal/ml"
	"txn-enricher/internal/server"
	"txn-enricher/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const modelAgeInterval = 30 * time.Second

func main() {
	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if err := telemetry.ConfigureLogger(c.LogLevel, c.LogFormat, os.Stderr); err != nil {
		log.Fatal().Err(err).Msg("logger setup failed")
	}

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, c.ServiceName, c.OTELEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}

	m := metrics.New()
	mw := metrics.NewWrapper(m)

	store := docio.New(
		docio.WithHTTPTimeout(c.FetchTimeout),
		docio.WithBackoff(500*time.Millisecond, c.FetchMaxElapsed),
		docio.WithMetrics(mw),
	)

	bundle, err := store.LoadBundle(ctx, c.BundlePath)
	if err != nil {
		log.Fatal().Err(err).Str("stage", enrich.StageBundleLoad).Msg("model bundle load failed")
	}

	deriver := features.NewDeriver(
		features.WithHighRiskMerchants(c.HighRiskMerchants),
		features.WithHourPolicy(c.HourPolicy, c.HourSeed),
	)
	enricher, err := enrich.New(bundle, enrich.WithDeriver(deriver), enrich.WithMetrics(mw))
	if err != nil {
		log.Fatal().Err(err).Msg("enricher setup failed")
	}

	srv := server.New(enricher, server.Options{
		Port:              c.ListenPort,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.RequestBurst,
		RequestTimeout:    c.RequestTimeout,
		MetricsHandler:    promhttp.Handler(),
		Metrics:           mw,
	})

	var wg sync.WaitGroup
	startModelAgeReporter(ctx, &wg, bundle, mw)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("enrichment server failed")
			cancel()
		}
	}()

	waitForShutdown(ctx, cancel, &wg, srv)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Warn().Err(err).Msg("failed to flush traces")
	}
}

// startModelAgeReporter keeps the model age gauge current.
func startModelAgeReporter(ctx context.Context, wg *sync.WaitGroup, bundle *ml.Bundle, mw *metrics.MetricsWrapper) {
	report := func() {
		mw.ModelLoaded(bundle.Age(time.Now()).Seconds(), len(bundle.Features()))
	}
	report()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(modelAgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report()
			}
		}
	}()
}

// waitForShutdown blocks until a signal or cancellation, then drains the
// server and background goroutines.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, wg *sync.WaitGroup, srv *server.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown enrichment server")
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-shutdownCtx.Done():
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}
