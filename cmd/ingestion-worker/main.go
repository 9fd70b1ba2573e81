// Command ingestion-worker consumes URL partition jobs from Kafka, runs each
// one through the ingestion pipeline and publishes the outcome to the
// results topic.
//
// Usage:
//
//	go run ./cmd/ingestion-worker [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Vantiq/unstructured-api/internal/ingestion/fetcher"
	"github.com/Vantiq/unstructured-api/internal/ingestion/filetype"
	"github.com/Vantiq/unstructured-api/internal/ingestion/partition"
	"github.com/Vantiq/unstructured-api/internal/ingestion/publisher"
	"github.com/Vantiq/unstructured-api/internal/ingestion/session"
	"github.com/Vantiq/unstructured-api/internal/ingestion/worker"
	"github.com/Vantiq/unstructured-api/pkg/config"
	"github.com/Vantiq/unstructured-api/pkg/kafka"
	"github.com/Vantiq/unstructured-api/pkg/logger"
	"github.com/Vantiq/unstructured-api/pkg/metrics"
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
	slog.Info("starting ingestion worker",
		"requests_topic", cfg.Kafka.Topics.PartitionRequests,
		"results_topic", cfg.Kafka.Topics.PartitionResults,
		"download_threads", cfg.Ingestion.DownloadThreads,
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

	events := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IngestEvents)
	defer events.Close()
	results := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.PartitionResults)
	defer results.Close()

	svc := session.New(
		session.ConfigFrom(cfg.Ingestion),
		fetcher.New(fetcher.ConfigFrom(cfg.Ingestion), m),
		filetype.NewResolver(nil),
		partition.New(cfg.Partition, m),
		session.WithMetrics(m),
		session.WithRecorder(publisher.New(nil, events)),
	)

	w := worker.New(svc, results, cfg.Ingestion.MaxURLs)
	consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.PartitionRequests, w.Handle)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
		os.Exit(1)
	}
	slog.Info("ingestion worker stopped")
}
