package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Topics used by the cart core. Topic names are a deployment detail for the
// broker, so they live here rather than in the components.
const (
	TopicReserve           = "inventory.reserve"
	TopicUpdateReservation = "inventory.update-reservation"
	TopicRelease           = "inventory.release"
	TopicStockUpdated      = "inventory.stock-updated"
	TopicOrderCreate       = "order.create"
	TopicOrderOutcome      = "order.outcome"

	StockConsumerGroup   = "cart-service-stock"
	OutcomeConsumerGroup = "cart-service-outcomes"
)

type Config struct {
	MongoURI           string
	MongoDBName        string
	MongoConnectWait   time.Duration
	MongoSelectionWait time.Duration
	MongoMaxPoolSize   int

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string

	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	MigrationsPath string

	// Pricing
	FreeShippingThreshold int64
	StandardShippingFee   int64
	ExpressShippingFee    int64

	// Checkout
	OutcomeTimeout  time.Duration
	OutboxTick      time.Duration
	RecoveryTick    time.Duration
	OutboxBatchSize int
}

func Load() *Config {
	return &Config{
		MongoURI:           getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDBName:        getEnv("MONGO_DB_NAME", "cartdb"),
		MongoConnectWait:   getEnvDuration("MONGO_CONNECT_WAIT", 10*time.Second),
		MongoSelectionWait: getEnvDuration("MONGO_SELECTION_WAIT", 5*time.Second),
		MongoMaxPoolSize:   getEnvInt("MONGO_MAX_POOL_SIZE", 100),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		KafkaBrokers: splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnvInt("DB_PORT", 5432),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", "postgres"),
		DBName:         getEnv("DB_NAME", "checkout"),
		MigrationsPath: getEnv("MIGRATIONS_PATH", "./migrations"),

		FreeShippingThreshold: getEnvInt64("FREE_SHIPPING_THRESHOLD", 500_000),
		StandardShippingFee:   getEnvInt64("STANDARD_SHIPPING_FEE", 30_000),
		ExpressShippingFee:    getEnvInt64("EXPRESS_SHIPPING_FEE", 50_000),

		OutcomeTimeout:  getEnvDuration("CHECKOUT_OUTCOME_TIMEOUT", 30*time.Second),
		OutboxTick:      getEnvDuration("OUTBOX_TICK", time.Second),
		RecoveryTick:    getEnvDuration("RECOVERY_TICK", 5*time.Second),
		OutboxBatchSize: getEnvInt("OUTBOX_BATCH_SIZE", 100),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitCSV(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
