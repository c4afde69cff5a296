package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Store  StoreConfig
	Redis  RedisConfig
	Kafka  KafkaConfig
	Engine EngineConfig

	StripeAPIKey    string
	PaymentCurrency string

	RateLimitRPS   float64
	RateLimitBurst int

	NotifyWebhookURL string

	LogLevel string
}

// StoreConfig selects the persistence backend. An empty PGDSN keeps
// everything in memory.
type StoreConfig struct {
	PGDSN         string
	RunMigrations bool
}

type RedisConfig struct {
	Addr     string
	Password string
	GeoKey   string
}

type KafkaConfig struct {
	Brokers        []string
	EventsTopic    string
	PositionsTopic string
	Group          string
}

// EngineConfig holds the business knobs shared by every process.
type EngineConfig struct {
	HoldTTL            time.Duration
	PlatformFeePercent float64
	DispatchRadiusKm   float64
	LocationCacheTTL   time.Duration
}

// ConsumerConfig drives cmd/consumer.
type ConsumerConfig struct {
	MetricsAddr string
	Store       StoreConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	Engine      EngineConfig
	LogLevel    string
}

// SweeperConfig drives cmd/sweeper.
type SweeperConfig struct {
	Schedule         string
	Store            StoreConfig
	Redis            RedisConfig
	Kafka            KafkaConfig
	StripeAPIKey     string
	PaymentCurrency  string
	Engine           EngineConfig
	NotifyWebhookURL string
	LogLevel         string
}

func defaultEngine() EngineConfig {
	return EngineConfig{
		HoldTTL:            7 * 24 * time.Hour,
		PlatformFeePercent: 15,
		DispatchRadiusKm:   10,
		LocationCacheTTL:   5 * time.Minute,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Redis:           RedisConfig{GeoKey: "assets_geo"},
		Kafka:           KafkaConfig{EventsTopic: "reservation-events", PositionsTopic: "trip-positions", Group: "reservation-engine-consumer"},
		Engine:          defaultEngine(),
		PaymentCurrency: "usd",
		RateLimitRPS:    20,
		RateLimitBurst:  40,
		LogLevel:        "info",
	}
}

// loadDotEnv reads .env (or ENV_FILE) when present. Variables already set
// in the environment win.
func loadDotEnv() error {
	path := os.Getenv("ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	loadStore(&cfg.Store)
	loadRedis(&cfg.Redis)
	loadKafka(&cfg.Kafka)
	loadEngine(&cfg.Engine, &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	setFloatFromEnv(&cfg.RateLimitRPS, "RATE_LIMIT_RPS", &errs)
	setIntFromEnv(&cfg.RateLimitBurst, "RATE_LIMIT_BURST", &errs)

	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	loadLogLevel(&cfg.LogLevel)

	if cfg.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0"))
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be > 0"))
	}
	errs = append(errs, cfg.Engine.validate()...)

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	def := defaultServerConfig()
	cfg := ConsumerConfig{
		MetricsAddr: ":2112",
		Redis:       def.Redis,
		Kafka:       def.Kafka,
		Engine:      def.Engine,
		LogLevel:    def.LogLevel,
	}
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	loadStore(&cfg.Store)
	loadRedis(&cfg.Redis)
	loadKafka(&cfg.Kafka)
	loadEngine(&cfg.Engine, &errs)
	loadLogLevel(&cfg.LogLevel)

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.PositionsTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_POSITIONS_TOPIC must be set"))
	}
	errs = append(errs, cfg.Engine.validate()...)
	return cfg, errors.Join(errs...)
}

func LoadSweeperConfig() (SweeperConfig, error) {
	def := defaultServerConfig()
	cfg := SweeperConfig{
		Schedule:        "@every 1m",
		Redis:           def.Redis,
		Kafka:           def.Kafka,
		PaymentCurrency: def.PaymentCurrency,
		Engine:          def.Engine,
		LogLevel:        def.LogLevel,
	}
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}
	setStringFromEnv(&cfg.Schedule, "SWEEP_SCHEDULE")
	loadStore(&cfg.Store)
	loadRedis(&cfg.Redis)
	loadKafka(&cfg.Kafka)
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")
	cfg.NotifyWebhookURL = strings.TrimSpace(os.Getenv("NOTIFY_WEBHOOK_URL"))
	loadEngine(&cfg.Engine, &errs)
	loadLogLevel(&cfg.LogLevel)

	if cfg.Store.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN must be set"))
	}
	if cfg.StripeAPIKey == "" {
		errs = append(errs, fmt.Errorf("STRIPE_API_KEY must be set"))
	}
	errs = append(errs, cfg.Engine.validate()...)
	return cfg, errors.Join(errs...)
}

func (e EngineConfig) validate() []error {
	var errs []error
	if e.HoldTTL <= 0 {
		errs = append(errs, fmt.Errorf("HOLD_TTL must be > 0"))
	}
	if e.PlatformFeePercent < 0 || e.PlatformFeePercent > 100 {
		errs = append(errs, fmt.Errorf("PLATFORM_FEE_PERCENT must be within [0, 100]"))
	}
	if e.DispatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if e.LocationCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_CACHE_TTL must be > 0"))
	}
	return errs
}

func loadStore(s *StoreConfig) {
	s.PGDSN = os.Getenv("PG_DSN")
	s.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
}

func loadRedis(r *RedisConfig) {
	r.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	r.Password = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&r.GeoKey, "REDIS_GEO_KEY")
}

func loadKafka(k *KafkaConfig) {
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		k.Brokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&k.EventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&k.PositionsTopic, "KAFKA_POSITIONS_TOPIC")
	setStringFromEnv(&k.Group, "KAFKA_GROUP")
}

func loadEngine(e *EngineConfig, errs *[]error) {
	setDurationFromEnv(&e.HoldTTL, "HOLD_TTL", errs)
	setFloatFromEnv(&e.PlatformFeePercent, "PLATFORM_FEE_PERCENT", errs)
	setFloatFromEnv(&e.DispatchRadiusKm, "DISPATCH_RADIUS_KM", errs)
	setDurationFromEnv(&e.LocationCacheTTL, "LOCATION_CACHE_TTL", errs)
}

func loadLogLevel(level *string) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*level = strings.ToLower(v)
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
