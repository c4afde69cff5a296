package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/reservation-engine/internal/cache"
	"github.com/example/reservation-engine/internal/config"
	"github.com/example/reservation-engine/internal/dispatch"
	"github.com/example/reservation-engine/internal/ingest"
	"github.com/example/reservation-engine/internal/matcher"
	"github.com/example/reservation-engine/internal/models"
	"github.com/example/reservation-engine/internal/payments"
	"github.com/example/reservation-engine/internal/payments/paymentstest"
	"github.com/example/reservation-engine/internal/storage"
)

func TestInMemoryFallbacks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	store, closeFn, err := OpenStore(ctx, config.StoreConfig{}, logger)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, store)
	assert.NoError(t, closeFn())

	rc := NewRedis(config.RedisConfig{})
	assert.Nil(t, rc)
	assert.Nil(t, Locator(rc, "assets_geo"))
	assert.IsType(t, &cache.MemoryPositions{}, Positions(rc, time.Minute))
	assert.NoError(t, Ping(ctx, store, rc))

	assert.IsType(t, &paymentstest.Fake{}, Payments("", "usd", logger))
	assert.IsType(t, &payments.StripeClient{}, Payments("sk_test_123", "usd", logger))
}

func TestNearbySearchWithoutRedisSeesNewAssets(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	m := &matcher.Service{Store: store, Locator: Locator(nil, "assets_geo")}
	n, err := m.Reindex(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.SaveOperator(ctx, models.Operator{ID: "op-1", Active: true, Verified: true}); err != nil {
			return err
		}
		return tx.SaveAsset(ctx, models.Asset{
			ID: "boat-1", OwnerID: "op-1", Kind: models.AssetBoat,
			Position: models.Coord{Lat: 25.77, Lon: -80.13}, Available: true, Verified: true,
		})
	}))

	cands, err := m.FindNearby(ctx, 25.77, -80.13, 0)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "boat-1", cands[0].Asset.ID)
}

func TestEventSinks(t *testing.T) {
	sinks, producer := EventSinks(config.KafkaConfig{}, "", "")
	assert.Empty(t, sinks)
	assert.Nil(t, producer)

	sinks, producer = EventSinks(config.KafkaConfig{}, "", "https://alerts.example.com/hook")
	require.Len(t, sinks, 1)
	assert.IsType(t, &dispatch.Webhook{}, sinks[0])
	assert.Nil(t, producer)

	sinks, producer = EventSinks(config.KafkaConfig{Brokers: []string{"localhost:9092"}, EventsTopic: "reservation-events"}, "", "https://alerts.example.com/hook")
	require.NotNil(t, producer)
	defer producer.Close()
	require.Len(t, sinks, 2)
	assert.IsType(t, &ingest.KafkaProducer{}, sinks[0])
}
