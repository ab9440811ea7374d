package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0x377/flash-sale/internal/cache"
	"github.com/0x377/flash-sale/internal/clock"
	"github.com/0x377/flash-sale/internal/config"
	"github.com/0x377/flash-sale/internal/events"
	"github.com/0x377/flash-sale/internal/httpapi"
	"github.com/0x377/flash-sale/internal/idempotency"
	"github.com/0x377/flash-sale/internal/lifecycle"
	"github.com/0x377/flash-sale/internal/logger"
	"github.com/0x377/flash-sale/internal/metrics"
	"github.com/0x377/flash-sale/internal/order"
	"github.com/0x377/flash-sale/internal/reservation"
	"github.com/0x377/flash-sale/internal/store"
	"github.com/0x377/flash-sale/internal/tracing"
	"github.com/0x377/flash-sale/internal/webhook"
)

func main() {
	cfg := config.Load()

	log := logger.New(cfg.ServiceName)
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if cfg.OTLPAddr != "" {
		shutdown, err := tracing.InitTracer(cfg.ServiceName, cfg.OTLPAddr)
		if err != nil {
			log.Fatal("could not set global tracer", zap.Error(err))
		}
		defer shutdown()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Store: Postgres when configured, in-memory otherwise (dev mode).
	var st store.Store
	if cfg.PostgresURL != "" {
		pg, err := store.NewPostgres(cfg.PostgresURL)
		if err != nil {
			log.Fatal("failed to connect to postgres", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatal("failed to ensure schema", zap.Error(err))
		}
		st = pg
		log.Info("connected to PostgreSQL")
	} else {
		st = store.NewMemory()
		log.Warn("POSTGRES_URL not set, using in-memory store")
	}
	defer st.Close()

	// Cache and sweep lock: Redis when configured, process-local otherwise.
	var backend cache.Backend
	var locker cache.Locker
	if cfg.RedisAddr != "" {
		rb, err := cache.NewRedisBackend(cfg.RedisAddr)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		backend = rb
		locker = cache.NewRedisLocker(rb)
		log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
	} else {
		backend = cache.NewMemoryBackend()
		locker = cache.NewMemoryLocker()
		log.Warn("REDIS_ADDR not set, using in-memory cache")
	}
	stockCache := cache.NewStock(backend, cfg.StockCacheTTL)
	defer stockCache.Close()

	// Settlement events: RabbitMQ when configured.
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQPHost != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPUser, cfg.AMQPPass, cfg.AMQPHost, cfg.AMQPPort)
		if err != nil {
			log.Fatal("failed to connect to rabbitmq", zap.Error(err))
		}
		publisher = pub
		log.Info("connected to RabbitMQ", zap.String("host", cfg.AMQPHost))
	}
	defer publisher.Close()

	httpMetrics := metrics.NewHTTPMetrics(cfg.ServiceName)
	businessMetrics := metrics.NewBusinessMetrics(cfg.ServiceName)
	clk := clock.System{}

	reservations := reservation.NewTelemetryMiddleware(reservation.NewService(
		st, stockCache, clk, log, businessMetrics,
		reservation.Config{
			HoldTTL:         cfg.HoldTTL,
			MaxQuantity:     cfg.MaxHoldQuantity,
			DeadlockRetries: cfg.DeadlockRetries,
			DeadlockBackoff: cfg.DeadlockBackoff,
		},
	))

	processor := webhook.NewProcessor(st, stockCache, clk, log, businessMetrics, publisher,
		webhook.Config{
			Secret:          cfg.WebhookSecret,
			IdempotencyTTL:  cfg.WebhookIdempotencyTTL,
			DeadlockRetries: cfg.DeadlockRetries,
			DeadlockBackoff: cfg.DeadlockBackoff,
		},
	)
	if cfg.WebhookSecret == "" {
		log.Warn("WEBHOOK_HMAC_SECRET not set, signature verification disabled")
	}

	orders := order.NewService(st, stockCache, clk, log, businessMetrics, processor,
		order.Config{
			DeadlockRetries: cfg.DeadlockRetries,
			DeadlockBackoff: cfg.DeadlockBackoff,
		},
	)

	sweeper := lifecycle.NewSweeper(st, reservations, orders, processor, locker, clk, log, businessMetrics,
		lifecycle.Config{
			Interval:      cfg.SweepInterval,
			BatchSize:     cfg.SweepBatchSize,
			LockTTL:       cfg.SweepLockTTL,
			PaymentWindow: cfg.PaymentWindow,
		},
	)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	guard := idempotency.NewGuard(st, clk, log, idempotency.Config{
		DeadlockRetries: cfg.DeadlockRetries,
		DeadlockBackoff: cfg.DeadlockBackoff,
	})

	mux := http.NewServeMux()
	handler := httpapi.NewHandler(reservations, orders, processor, guard, clk, log,
		httpapi.Config{
			SignatureHeader:     cfg.WebhookSignatureHeader,
			HoldIdempotencyTTL:  cfg.HoldIdempotencyTTL,
			OrderIdempotencyTTL: cfg.OrderIdempotencyTTL,
		},
	)
	handler.RegisterRoutes(mux, httpapi.NewLoadShedder(cfg.MaxInflightHolds))

	// Prometheus scrapes a separate listener so the public surface stays
	// closed.
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Info("starting metrics server", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.WithMetrics(httpMetrics, mux),
	}

	go func() {
		log.Info("starting http server", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown: stop accepting requests, then drain the sweeper for
	// one processing cycle.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down http server", zap.Error(err))
	}
	metricsServer.Shutdown(shutdownCtx)

	cancel()
	select {
	case <-sweepDone:
	case <-time.After(5 * time.Second):
		log.Warn("sweeper did not stop in time")
	}
}
