// Package app holds the backend wiring shared by the server, consumer and
// sweeper processes.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/reservation-engine/internal/cache"
	"github.com/example/reservation-engine/internal/config"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/events"
	"github.com/example/reservation-engine/internal/geo"
	"github.com/example/reservation-engine/internal/ingest"
	"github.com/example/reservation-engine/internal/payments"
	"github.com/example/reservation-engine/internal/payments/paymentstest"
	"github.com/example/reservation-engine/internal/storage"
)

// OpenStore returns the Postgres store when a DSN is configured, running
// migrations if asked, and the memory store otherwise. The returned func
// releases the store.
func OpenStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (storage.Store, func() error, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), func() error { return nil }, nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := storage.Migrate(ctx, pg.DB()); err != nil {
			_ = pg.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return pg, pg.Close, nil
}

// NewRedis returns nil when no address is configured.
func NewRedis(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
}

// Locator returns the shared Redis GEO index, or nil without Redis so the
// matcher scans the store and sees assets written after startup.
func Locator(rc *redis.Client, key string) geo.Locator {
	if rc == nil {
		return nil
	}
	return geo.NewRedisLocator(rc, key)
}

// AlertEvents are the events posted to the alert webhook.
var AlertEvents = []events.Type{events.TripEmergency, events.SettlementFailed, events.HoldExpired}

// EventSinks builds the outbound sinks shared by every process: the Kafka
// events topic when brokers are set and the alert webhook when a URL is
// set. positionsTopic is only given by processes that queue position
// reports. The producer, nil without brokers, must be closed by the caller.
func EventSinks(k config.KafkaConfig, positionsTopic, webhookURL string) ([]dispatch.Notifier, *ingest.KafkaProducer) {
	var (
		sinks    []dispatch.Notifier
		producer *ingest.KafkaProducer
	)
	if len(k.Brokers) > 0 {
		producer = ingest.NewKafkaProducer(k.Brokers, k.EventsTopic, positionsTopic)
		sinks = append(sinks, producer)
	}
	if webhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhook(webhookURL, AlertEvents...))
	}
	return sinks, producer
}

// Positions prefers Redis so every process sees the same latest point.
func Positions(rc *redis.Client, ttl time.Duration) cache.Positions {
	if rc == nil {
		return cache.NewMemoryPositions(ttl)
	}
	return cache.NewRedisPositions(rc, ttl)
}

// Payments returns the Stripe authority, or an in-process sandbox when no
// key is configured so the engine can run locally.
func Payments(apiKey, currency string, logger *slog.Logger) payments.Authority {
	if apiKey == "" {
		logger.Warn("STRIPE_API_KEY not set; payments run against an in-process sandbox")
		return paymentstest.New()
	}
	return payments.NewStripeClient(apiKey, currency)
}

// Ping checks the optional backends.
func Ping(ctx context.Context, store storage.Store, rc *redis.Client) error {
	if pg, ok := store.(*storage.PostgresStore); ok {
		if err := pg.DB().PingContext(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	if rc != nil {
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}
