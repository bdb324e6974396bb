package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/iot-watch/internal/logging"
	"github.com/smukkama/iot-watch/internal/notification"
	"github.com/smukkama/iot-watch/internal/protocol"
	"github.com/smukkama/iot-watch/internal/queue"
	"github.com/smukkama/iot-watch/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closer := logging.Init("notification", cfg.Log.Level, cfg.Log.File)
	defer closer.Close()

	fmt.Println("Starting Notification Service...")

	notifier := notification.NewEmailNotifier(&cfg.SMTP, logger)
	if err := notifier.TestConnection(); err != nil {
		fmt.Printf("Note: %v (notifications will be logged only)\n", err)
	}

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, "notification-group")
	defer consumer.Close()
	fmt.Println("Kafka consumer initialized")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	fmt.Println("\n✓ Notification Service is running")
	fmt.Println("✓ Press Ctrl+C to stop")

	go func() {
		defer close(done)
		for {
			msg, err := consumer.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("failed to consume message", "error", err)
				time.Sleep(time.Second)
				continue
			}

			alert, err := protocol.DecodeAlertNotification(msg.Value)
			if err != nil {
				logger.Warn("dropping undecodable notification", "offset", msg.Offset, "error", err)
				consumer.Commit(ctx, msg)
				continue
			}

			// offsets commit in order, so retry in place until the mail goes out
			for attempt := 1; ; attempt++ {
				err := notifier.SendAlertNotification(alert)
				if err == nil {
					break
				}
				logger.Error("failed to send notification", "alert_id", alert.AlertID, "attempt", attempt, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(min(time.Duration(attempt)*5*time.Second, time.Minute)):
				}
			}

			if err := consumer.Commit(ctx, msg); err != nil {
				logger.Error("failed to commit offset", "error", err)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
	cancel()
	<-done
}
