package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/reservation-engine/internal/app"
	"github.com/example/reservation-engine/internal/apperr"
	"github.com/example/reservation-engine/internal/clock"
	"github.com/example/reservation-engine/internal/config"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/ingest"
	"github.com/example/reservation-engine/internal/logging"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/telemetry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total position messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total undecodable or rejected position messages",
	})
	positionsIngested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_positions_ingested_total",
		Help: "Total position reports recorded against a trip",
	})
	ingestErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_ingest_errors_total",
		Help: "Total position reports dropped after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, positionsIngested, ingestErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// allow overriding the metrics address for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.For(logging.NewLogger(cfg.LogLevel), "consumer")

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

	// position.updated goes out on the events topic for live feeds served
	// by other processes.
	producer := ingest.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, "")
	defer producer.Close()
	notifier := dispatch.NewFanout(logger, producer)

	tracker := telemetry.NewService(store, app.Positions(rc, cfg.Engine.LocationCacheTTL), notifier, clock.Real(), logger)

	go serveHealth(cfg.MetricsAddr, logger, func(ctx context.Context) error { return app.Ping(ctx, store, rc) })

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.PositionsTopic,
		GroupID:  cfg.Kafka.Group,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.Kafka.PositionsTopic, "brokers", cfg.Kafka.Brokers, "group", cfg.Kafka.Group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		msg, err := ingest.DecodePosition(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "err", err)
			continue
		}

		if err := ingestWithRetry(ctx, tracker, msg.Input(), 3, 200*time.Millisecond); err != nil {
			if permanent(err) {
				msgsInvalid.Inc()
			} else {
				ingestErrors.Inc()
			}
			logger.Warn("position dropped", "trip_id", msg.TripID, "err", err)
			continue
		}
		positionsIngested.Inc()
	}
}

func serveHealth(addr string, logger *slog.Logger, ready func(context.Context) error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}

// Ingester records one position report against its trip.
type Ingester interface {
	Ingest(ctx context.Context, in telemetry.PositionInput) (models.PositionReport, error)
}

// permanent errors will fail the same way on every attempt.
func permanent(err error) bool {
	return errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrConflict)
}

// ingestWithRetry retries transient failures with doubling delay.
func ingestWithRetry(ctx context.Context, ing Ingester, in telemetry.PositionInput, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = ing.Ingest(ctx, in); err == nil || permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
