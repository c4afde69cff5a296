// Command sweeper expires unclaimed payment holds on a cron schedule and
// keeps the nearby-asset index in step with the store.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/example/reservation-engine/internal/app"
	"github.com/example/reservation-engine/internal/availability"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/config"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/holds"
	"github.com/example/reservation-engine/internal/logging"
	"github.com/example/reservation-engine/internal/matcher"
)

type sweeper interface {
	SweepExpired(ctx context.Context) (holds.SweepResult, error)
}

type indexer interface {
	Reindex(ctx context.Context) (int, error)
}

type job struct {
	holds  sweeper
	index  indexer
	logger *slog.Logger
}

// run performs one pass. Failures are logged; the next tick retries.
func (j *job) run(ctx context.Context) {
	res, err := j.holds.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("hold sweep failed", "err", err)
	} else {
		j.logger.Info("hold sweep", "expired", res.Expired, "skipped", res.Skipped, "failed", res.Failed)
	}
	if j.index == nil {
		return
	}
	if n, err := j.index.Reindex(ctx); err != nil {
		j.logger.Warn("asset reindex failed", "err", err)
	} else {
		j.logger.Debug("asset reindex", "indexed", n)
	}
}

// eventSinks fans sweep events out to Kafka and the alert webhook, as
// configured. The returned func flushes and closes them.
func eventSinks(cfg config.SweeperConfig, logger *slog.Logger) (dispatch.Notifier, func()) {
	sinks, producer := app.EventSinks(cfg.Kafka, "", cfg.NotifyWebhookURL)
	if len(sinks) == 0 {
		logger.Warn("no event sinks configured; sweep events are only logged")
	}
	closeFn := func() {}
	if producer != nil {
		closeFn = func() {
			if err := producer.Close(); err != nil {
				logger.Warn("close kafka producer", "err", err)
			}
		}
	}
	return dispatch.NewFanout(logger, sinks...), closeFn
}

func main() {
	once := flag.Bool("once", false, "run a single pass and exit")
	flag.Parse()

	cfg, err := config.LoadSweeperConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.For(logging.NewLogger(cfg.LogLevel), "sweeper")

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

	clk := clock.Real()
	notifier, closeSinks := eventSinks(cfg, logger)
	defer closeSinks()
	ledger := holds.NewLedger(store, app.Payments(cfg.StripeAPIKey, cfg.PaymentCurrency, logger), notifier, clk, logger)
	j := &job{holds: ledger, logger: logger}
	if rc != nil {
		j.index = &matcher.Service{
			Store:        store,
			Availability: availability.NewLedger(store, logger),
			Holds:        ledger,
			Locator:      app.Locator(rc, cfg.Redis.GeoKey),
			Notifier:     notifier,
			Clock:        clk,
			Logger:       logger,
		}
	}

	if *once {
		j.run(ctx)
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(cfg.Schedule, func() { j.run(ctx) }); err != nil {
		logger.Error("invalid schedule", "schedule", cfg.Schedule, "err", err)
		os.Exit(1)
	}
	c.Start()
	logger.Info("sweeper scheduled", "schedule", cfg.Schedule)

	<-ctx.Done()
	logger.Info("shutting down sweeper")
	<-c.Stop().Done()
}
