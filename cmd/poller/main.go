package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/smukkama/iot-watch/internal/app"
	"github.com/smukkama/iot-watch/internal/ingest"
	"github.com/smukkama/iot-watch/internal/logging"
	"github.com/smukkama/iot-watch/internal/metrics"
	"github.com/smukkama/iot-watch/internal/queue"
	"github.com/smukkama/iot-watch/internal/timer"
	"github.com/smukkama/iot-watch/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closer := logging.Init("poller", cfg.Log.Level, cfg.Log.File)
	defer closer.Close()

	fmt.Println("Starting Weather Poller...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	// POLL_DIRECT_WRITE skips Kafka and appends to the store in-process
	var (
		sink   ingest.Sink
		latest ingest.LatestSource
	)
	if cfg.Ingest.DirectWrite {
		core, err := app.NewCore(ctx, cfg, m, logger)
		if err != nil {
			log.Fatalf("Failed to open reading store: %v", err)
		}
		defer core.Close()
		sink = ingest.SinkFunc(core.Service.Append)
		latest = core.Store
		fmt.Printf("Writing directly to %s store\n", cfg.Store.Driver)
	} else {
		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings)
		defer producer.Close()
		sink = queue.NewReadingPublisher(producer)
		fmt.Printf("Publishing to %s\n", cfg.Kafka.TopicReadings)
	}

	scheduler := timer.NewScheduler(2)
	scheduler.Start()
	defer scheduler.Stop()

	client := ingest.NewClient(cfg.Ingest.OpenMeteoURL, cfg.Ingest.Timeout, cfg.Ingest.RequestsPerSecond)
	poller := ingest.NewPoller(client, sink, app.Locations(cfg), cfg.Ingest.PollInterval, cfg.Ingest.Timeout,
		scheduler, m, logger)
	poller.AlignOffset = cfg.Ingest.AlignOffset
	if latest != nil {
		if err := poller.Seed(ctx, latest); err != nil {
			log.Fatalf("Failed to seed poller: %v", err)
		}
	}
	if err := poller.Start(ctx); err != nil {
		log.Fatalf("Failed to start poller: %v", err)
	}

	fmt.Println("\n✓ Weather Poller is running")
	fmt.Printf("✓ Polling %s every %s\n", cfg.Ingest.OpenMeteoURL, cfg.Ingest.PollInterval)
	fmt.Println("✓ Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}
