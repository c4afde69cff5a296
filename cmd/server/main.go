package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/reservation-engine/internal/app"
	"github.com/example/reservation-engine/internal/availability"
	"github.com/example/reservation-engine/internal/booking"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/config"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/holds"
	httpapi "github.com/example/reservation-engine/internal/http"
	"github.com/example/reservation-engine/internal/logging"
	"github.com/example/reservation-engine/internal/matcher"
	"github.com/example/reservation-engine/internal/settlement"
	"github.com/example/reservation-engine/internal/telemetry"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.For(logging.NewLogger(cfg.LogLevel), "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := app.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store", "err", err)
		os.Exit(1)
	}
	defer closeStore()

	rc := app.NewRedis(cfg.Redis)
	if rc != nil {
		defer rc.Close()
	}

	hub := dispatch.NewWSHub(logger)
	sinks, producer := app.EventSinks(cfg.Kafka, cfg.Kafka.PositionsTopic, cfg.NotifyWebhookURL)
	if producer != nil {
		defer producer.Close()
	}
	sinks = append([]dispatch.Notifier{hub}, sinks...)
	notifier := dispatch.NewFanout(logger, sinks...)

	clk := clock.Real()
	auth := app.Payments(cfg.StripeAPIKey, cfg.PaymentCurrency, logger)
	avail := availability.NewLedger(store, logger)
	holdLedger := holds.NewLedger(store, auth, notifier, clk, logger)
	splitter := settlement.NewSplitter(store, auth, notifier, clk, logger, cfg.Engine.PlatformFeePercent)
	match := &matcher.Service{
		Store:        store,
		Availability: avail,
		Holds:        holdLedger,
		Locator:      app.Locator(rc, cfg.Redis.GeoKey),
		Notifier:     notifier,
		Clock:        clk,
		Logger:       logger,
		RadiusKm:     cfg.Engine.DispatchRadiusKm,
		HoldTTL:      cfg.Engine.HoldTTL,
	}
	if n, err := match.Reindex(ctx); err != nil {
		logger.Warn("asset index refresh failed", "err", err)
	} else {
		logger.Info("asset index refreshed", "indexed", n)
	}

	deps := httpapi.Deps{
		Booking: &booking.Service{
			Store:        store,
			Availability: avail,
			Holds:        holdLedger,
			Settlements:  splitter,
			Payments:     auth,
			Notifier:     notifier,
			Clock:        clk,
			Logger:       logger,
			HoldTTL:      cfg.Engine.HoldTTL,
		},
		Matcher:      match,
		Availability: avail,
		Holds:        holdLedger,
		Settlements:  splitter,
		Telemetry:    telemetry.NewService(store, app.Positions(rc, cfg.Engine.LocationCacheTTL), notifier, clk, logger),
		Hub:          hub,
		Ready:        func(ctx context.Context) error { return app.Ping(ctx, store, rc) },
	}
	if producer != nil && cfg.Kafka.PositionsTopic != "" {
		deps.Positions = producer
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps, logger, cfg.RateLimitRPS, cfg.RateLimitBurst),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("reservation engine listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
