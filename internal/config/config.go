package config

import "time"

// Config enumerates every tunable of the checkout core. All values come from
// the environment with sensible defaults; Load never fails.
type Config struct {
	ServiceName string
	HTTPAddr    string
	MetricsAddr string

	// Stock holds
	HoldTTL         time.Duration
	MaxHoldQuantity int

	// Lifecycle sweep
	SweepInterval  time.Duration
	SweepBatchSize int
	SweepLockTTL   time.Duration

	// Payment window: pending orders older than this are cancelled by the sweep
	PaymentWindow time.Duration

	// Cache
	StockCacheTTL time.Duration

	// Deadlock retry budget
	DeadlockRetries int
	DeadlockBackoff time.Duration

	// Idempotency record TTLs per resource type
	WebhookIdempotencyTTL time.Duration
	OrderIdempotencyTTL   time.Duration
	HoldIdempotencyTTL    time.Duration

	// Webhook signature verification
	WebhookSecret          string
	WebhookSignatureHeader string

	// Load shedding: max concurrent hold requests before 429
	MaxInflightHolds int

	// External collaborators; empty means in-memory fallback
	PostgresURL string
	RedisAddr   string
	AMQPUser    string
	AMQPPass    string
	AMQPHost    string
	AMQPPort    string
	OTLPAddr    string
}

// Load builds the configuration from the environment.
func Load() Config {
	return Config{
		ServiceName: GetEnv("SERVICE_NAME", "flashsale"),
		HTTPAddr:    GetEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: GetEnv("METRICS_ADDR", ":9090"),

		HoldTTL:         GetEnvSeconds("HOLD_TTL_SECONDS", 120*time.Second),
		MaxHoldQuantity: GetEnvInt("MAX_HOLD_QUANTITY", 10),

		SweepInterval:  GetEnvSeconds("HOLD_SWEEP_INTERVAL_SECONDS", 60*time.Second),
		SweepBatchSize: GetEnvInt("HOLD_SWEEP_BATCH_SIZE", 100),
		SweepLockTTL:   GetEnvSeconds("HOLD_SWEEP_LOCK_TTL_SECONDS", 5*time.Minute),

		PaymentWindow: time.Duration(GetEnvInt("PAYMENT_WINDOW_MINUTES", 30)) * time.Minute,

		StockCacheTTL: GetEnvSeconds("STOCK_CACHE_TTL_SECONDS", 30*time.Second),

		DeadlockRetries: GetEnvInt("DEADLOCK_RETRIES", 3),
		DeadlockBackoff: time.Duration(GetEnvInt("DEADLOCK_BACKOFF_MS", 100)) * time.Millisecond,

		WebhookIdempotencyTTL: GetEnvSeconds("IDEMPOTENCY_TTL_WEBHOOK_SECONDS", 24*time.Hour),
		OrderIdempotencyTTL:   GetEnvSeconds("IDEMPOTENCY_TTL_ORDER_SECONDS", time.Hour),
		HoldIdempotencyTTL:    GetEnvSeconds("IDEMPOTENCY_TTL_HOLD_SECONDS", 5*time.Minute),

		WebhookSecret:          GetEnv("WEBHOOK_HMAC_SECRET", ""),
		WebhookSignatureHeader: GetEnv("WEBHOOK_SIGNATURE_HEADER", "X-Webhook-Signature"),

		MaxInflightHolds: GetEnvInt("MAX_INFLIGHT_HOLDS", 512),

		PostgresURL: GetEnv("POSTGRES_URL", ""),
		RedisAddr:   GetEnv("REDIS_ADDR", ""),
		AMQPUser:    GetEnv("RABBITMQ_USER", "guest"),
		AMQPPass:    GetEnv("RABBITMQ_PASS", "guest"),
		AMQPHost:    GetEnv("RABBITMQ_HOST", ""),
		AMQPPort:    GetEnv("RABBITMQ_PORT", "5672"),
		OTLPAddr:    GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}
}
