package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/md-rashed-zaman/eventledger/libs/auth"
	"github.com/md-rashed-zaman/eventledger/libs/db"
	"github.com/md-rashed-zaman/eventledger/libs/httpx"
	"github.com/md-rashed-zaman/eventledger/libs/kafkax"
	otelx "github.com/md-rashed-zaman/eventledger/libs/otel"
	"github.com/md-rashed-zaman/eventledger/libs/runtime"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/consumer"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/handlers"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ingest"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/ledger"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/observe"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/publisher"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/search"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage/postgres"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/storage/sqlite"
	"github.com/md-rashed-zaman/eventledger/services/event-service/internal/sweeper"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.Instance == "" {
		cfg.Instance, _ = os.Hostname()
	}
	logger := runtime.NewLogger(cfg.Service, cfg.Instance, cfg.LogLevel)

	ctx, stop := runtime.SignalContext(context.Background())
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service, cfg.Instance))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	index, err := newIndex(cfg)
	if err != nil {
		logger.Error("search index client failed", "err", err)
		os.Exit(1)
	}

	hook, err := observe.NewMetrics(otel.Meter("eventledger"), logger)
	if err != nil {
		logger.Error("metrics setup failed", "err", err)
		os.Exit(1)
	}

	store := &storeRef{}
	checks := []runtime.ReadyCheck{
		{Name: "store", Check: store.Ping},
		{Name: "search", Optional: true, Check: index.Ping},
	}
	kafkaEnabled := cfg.KafkaBrokers != "" && cfg.KafkaTopic != ""
	if kafkaEnabled {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Optional: true, Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	}
	limiter, rdb := newLimiter(cfg, logger)
	if rdb != nil {
		defer rdb.Close()
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Optional: true, Check: httpx.RedisReadyCheck(rdb)})
	}
	mux := runtime.NewBaseMuxWithReady(cfg.Instance, checks...)

	// /v1 and /admin answer 503 until the primary store is connected.
	api := &deferredHandler{}
	var apiHandler http.Handler = httpx.WithTimeout(cfg.RequestTimeout)(api)
	if limiter != nil {
		apiHandler = httpx.RateLimit(limiter, logger, true)(apiHandler)
	}
	mux.Handle("/v1/", apiHandler)

	admin := &deferredHandler{}
	if cfg.AdminSecret == "" {
		logger.Warn("ADMIN_TOKEN_SECRET not set; admin endpoints are unauthenticated")
	}
	mux.Handle("/admin/", auth.RequireRole(cfg.AdminSecret, "operator", logger)(admin))

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger, cfg.Instance),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: httpx.SplitList(cfg.CORSOrigins),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Idempotency-Key", httpx.RequestIDHeader},
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithBodyLimit(int64(cfg.BodyLimitBytes)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "event-service")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "err", err)
			stop()
		}
	}()

	if es, ok := index.(*search.Elastic); ok {
		// Bulk writes fall back to dynamic mappings if the index is created by them.
		if err := es.EnsureIndex(ctx); err != nil {
			logger.Warn("ensure index failed; will retry on publish", "index", cfg.ElasticIndex, "err", err)
		}
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("primary store unavailable", "driver", cfg.StoreDriver, "err", err)
			shutdown(srv, logger)
			os.Exit(1)
		}
	} else {
		defer st.Close()
		store.set(st)

		writer := ledger.NewWriter(st, logger, cfg.ledgerConfig())
		coordinator := ingest.NewCoordinator(writer, hook, logger, cfg.Instance)

		if _, disabled := index.(search.Noop); disabled {
			logger.Warn("ELASTIC_URL not set; publisher disabled, entries stay PENDING")
		} else {
			pub := publisher.NewPublisher(st, index, hook, logger, publisher.Config{
				Interval:      cfg.PublishInterval,
				BatchSize:     cfg.PublishBatch,
				Workers:       cfg.PublishWorkers,
				Lease:         cfg.PublishLease,
				SubmitTimeout: cfg.PublishTimeout,
				Ceiling:       cfg.Ceiling,
				Backoff:       cfg.Backoff,
				WorkerPrefix:  cfg.Instance,
			})
			go pub.Run(ctx)
		}

		go sweeper.New(st, hook, logger, cfg.sweeperConfig()).Run(ctx)

		if kafkaEnabled {
			c := consumer.New(logger, coordinator, consumer.Config{
				Brokers:   cfg.KafkaBrokers,
				GroupID:   cfg.KafkaGroupID,
				Topic:     cfg.KafkaTopic,
				RetryBase: cfg.Backoff.Base,
				RetryCap:  cfg.Backoff.Cap,
			})
			go c.Run(ctx)
			logger.Info("kafka ingest enabled", "topic", cfg.KafkaTopic, "group_id", cfg.KafkaGroupID)
		}

		apiMux := http.NewServeMux()
		handlers.NewEventHandler(coordinator, st, logger).Register(apiMux)
		api.set(apiMux)

		adminMux := http.NewServeMux()
		reindexer := publisher.NewReindexer(st, index, logger, cfg.SweepBatch)
		handlers.NewAdminHandler(st, reindexer, cfg.Ceiling, logger).Register(adminMux)
		admin.set(adminMux)
		logger.Info("primary store connected", "driver", cfg.StoreDriver)
	}

	<-ctx.Done()
	shutdown(srv, logger)
}

func shutdown(srv *http.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func openStore(ctx context.Context, cfg serviceConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.StoreDriver == "sqlite" {
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{
		StartupTimeout: cfg.DBStartup,
		OnRetry: func(err error, wait time.Duration) {
			logger.Warn("database not reachable yet", "retry_in", wait, "err", err)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return postgres.New(pool), nil
}

func newIndex(cfg serviceConfig) (search.Indexer, error) {
	if cfg.ElasticURL == "" {
		return search.Noop{}, nil
	}
	return search.NewElastic(search.ElasticConfig{
		URL:      cfg.ElasticURL,
		Index:    cfg.ElasticIndex,
		Username: cfg.ElasticUser,
		Password: cfg.ElasticPassword,
		Refresh:  cfg.ElasticRefresh,
	})
}

// newLimiter returns nil when rate limiting is off. The Redis client is
// returned too so readiness can check it.
func newLimiter(cfg serviceConfig, logger *slog.Logger) (httpx.Limiter, *redis.Client) {
	if cfg.RateLimit <= 0 {
		return nil, nil
	}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		logger.Info("rate limiting ingest through redis", "limit_per_minute", cfg.RateLimit)
		return httpx.NewRedisRateLimiter(rdb, cfg.RateLimit, time.Minute, "ratelimit:"+cfg.Service), rdb
	}
	return httpx.NewMemoryRateLimiter(cfg.RateLimit, time.Minute), nil
}
