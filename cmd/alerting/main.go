package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/iot-watch/internal/alerting"
	"github.com/smukkama/iot-watch/internal/app"
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

	logger, closer := logging.Init("alerting", cfg.Log.Level, cfg.Log.File)
	defer closer.Close()

	fmt.Println("Starting Alerting Service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	core, err := app.NewCore(ctx, cfg, m, logger)
	if err != nil {
		log.Fatalf("Failed to open reading store: %v", err)
	}
	defer core.Close()

	if err := core.Redis.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	fmt.Println("Connected to Redis")

	alertProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts)
	defer alertProducer.Close()
	fmt.Println("Alert notification producer initialized")

	evaluator := alerting.NewEvaluator(core.Service, app.Locations(cfg), alerting.NewStateManager(core.Redis),
		alertProducer, alerting.Options{}, m, logger)

	scheduler := timer.NewScheduler(1)
	scheduler.Start()
	defer scheduler.Stop()

	err = scheduler.Every("alert-evaluation", time.Now(), cfg.Analytics.AlertInterval, func() {
		runCtx, cancel := context.WithTimeout(ctx, cfg.Analytics.AlertInterval)
		defer cancel()
		if err := evaluator.Run(runCtx); err != nil {
			logger.Error("alert evaluation failed", "error", err)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule evaluation: %v", err)
	}

	fmt.Println("\n✓ Alerting Service is running")
	fmt.Printf("✓ Evaluating every %s\n", cfg.Analytics.AlertInterval)
	fmt.Println("✓ Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}
