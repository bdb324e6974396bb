package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/smukkama/iot-watch/internal/app"
	"github.com/smukkama/iot-watch/internal/logging"
	"github.com/smukkama/iot-watch/internal/metrics"
	"github.com/smukkama/iot-watch/internal/queue"
	"github.com/smukkama/iot-watch/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closer := logging.Init("dbwriter", cfg.Log.Level, cfg.Log.File)
	defer closer.Close()

	fmt.Println("Starting Database Writer Service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	app.ServeMetrics(ctx, cfg.Metrics.Port, m, logger)

	core, err := app.NewCore(ctx, cfg, m, logger)
	if err != nil {
		log.Fatalf("Failed to open reading store: %v", err)
	}
	defer core.Close()
	fmt.Printf("Connected to %s store\n", cfg.Store.Driver)

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, "dbwriter-group")
	defer consumer.Close()

	// appends go through the service so cached aggregates are invalidated
	batchWriter := queue.NewBatchWriter(consumer, core.Service, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval,
		m, logger.With("component", "batch_writer"))
	batchWriter.Start(ctx)
	fmt.Println("Batch writer started")

	fmt.Println("\n✓ Database Writer Service is running")
	fmt.Printf("✓ Consuming %s | Batch size: %d | Flush interval: %s\n",
		cfg.Kafka.TopicReadings, cfg.Kafka.BatchSize, cfg.Kafka.FlushInterval)
	fmt.Println("✓ Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
	batchWriter.Stop()
	fmt.Println("Database Writer Service stopped")
}
