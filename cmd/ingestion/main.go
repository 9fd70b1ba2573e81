// Command ingestion starts the URL ingestion HTTP service.
//
// The service accepts POST /general/v0/urls with a list of document URLs,
// fetches them into a private temp directory, types each document and hands
// the batch to the partitioning engine, relaying its response. Run records
// go to PostgreSQL and Kafka and results are cached in Redis when those are
// enabled.
//
// Usage:
//
//	go run ./cmd/ingestion [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Vantiq/unstructured-api/internal/ingestion/cache"
	"github.com/Vantiq/unstructured-api/internal/ingestion/fetcher"
	"github.com/Vantiq/unstructured-api/internal/ingestion/filetype"
	"github.com/Vantiq/unstructured-api/internal/ingestion/handler"
	"github.com/Vantiq/unstructured-api/internal/ingestion/partition"
	"github.com/Vantiq/unstructured-api/internal/ingestion/publisher"
	"github.com/Vantiq/unstructured-api/internal/ingestion/session"
	"github.com/Vantiq/unstructured-api/pkg/config"
	"github.com/Vantiq/unstructured-api/pkg/health"
	"github.com/Vantiq/unstructured-api/pkg/kafka"
	"github.com/Vantiq/unstructured-api/pkg/logger"
	"github.com/Vantiq/unstructured-api/pkg/metrics"
	"github.com/Vantiq/unstructured-api/pkg/middleware"
	"github.com/Vantiq/unstructured-api/pkg/postgres"
	pkgredis "github.com/Vantiq/unstructured-api/pkg/redis"
	"github.com/Vantiq/unstructured-api/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingestion service",
		"port", cfg.Server.Port,
		"download_threads", cfg.Ingestion.DownloadThreads,
		"partition_url", cfg.Partition.URL,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		metricsServer, err := metrics.StartServer(fmt.Sprintf(":%d", cfg.Metrics.Port), prometheus.DefaultGatherer)
		if err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer metricsServer.Shutdown(context.Background())
	}

	checker := health.NewChecker()
	partitioner := partition.New(cfg.Partition, m)
	checker.Register("partition", func(ctx context.Context) health.ComponentHealth {
		if partitioner.BreakerState() == resilience.StateOpen {
			return health.ComponentHealth{Status: health.StatusDown, Message: "circuit open"}
		}
		return health.PingCheck(partitioner.Ping)(ctx)
	})

	opts := []session.Option{session.WithMetrics(m)}
	recorder, closeRecorder := newRecorder(ctx, cfg, checker)
	defer closeRecorder()
	if recorder != nil {
		opts = append(opts, session.WithRecorder(recorder))
	}

	svc := session.New(
		session.ConfigFrom(cfg.Ingestion),
		fetcher.New(fetcher.ConfigFrom(cfg.Ingestion), m),
		filetype.NewResolver(nil),
		partitioner,
		opts...,
	)

	var resultCache handler.Cache
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, result caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			resultCache = cache.New(redisClient, cfg.Redis.CacheTTL, m)
			checker.Register("redis", health.Optional(health.PingCheck(redisClient.Ping)))
			slog.Info("result cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	h := handler.New(svc, resultCache, checker, cfg.Ingestion.MaxURLs)
	mux := http.NewServeMux()
	h.Register(mux)

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	if cfg.Security.RateLimit > 0 {
		limiter := middleware.NewLimiter(cfg.Security.RateLimit, cfg.Security.RateWindow)
		defer limiter.Stop()
		chain = middleware.RateLimit(limiter)(chain)
	}
	if len(cfg.Security.APIKeys) > 0 {
		chain = middleware.APIKey(cfg.Security.APIKeys)(chain)
	}
	if len(cfg.Security.AllowOrigins) > 0 {
		chain = middleware.CORS(cfg.Security.AllowOrigins)(chain)
	}
	chain = middleware.Metrics(m)(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()
	slog.Info("ingestion service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion service stopped")
}

// newRecorder wires the run ledger and event stream that are enabled. The
// recorder is nil when neither is.
func newRecorder(ctx context.Context, cfg *config.Config, checker *health.Checker) (*publisher.Publisher, func()) {
	var (
		store   publisher.RunStore
		events  publisher.EventPublisher
		closers []func() error
	)
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				slog.Error("close failed", "error", err)
			}
		}
	}
	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		closers = append(closers, db.Close)
		pgStore := publisher.NewPostgresStore(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			slog.Error("failed to apply schema", "error", err)
			os.Exit(1)
		}
		checker.Register("postgres", health.PingCheck(db.Ping))
		store = pgStore
		slog.Info("run ledger enabled", "database", cfg.Postgres.Database)
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IngestEvents)
		batcher := publisher.NewBatchPublisher(producer, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
		closers = append(closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return batcher.Close(ctx)
		}, producer.Close)
		events = batcher
		slog.Info("ingest events enabled",
			"topic", cfg.Kafka.Topics.IngestEvents,
			"batch_size", cfg.Kafka.BatchSize,
			"flush_interval", cfg.Kafka.FlushInterval,
		)
	}
	if store == nil && events == nil {
		return nil, closeAll
	}
	return publisher.New(store, events), closeAll
}
