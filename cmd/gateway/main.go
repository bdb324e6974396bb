package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/iot-watch/internal/app"
	"github.com/smukkama/iot-watch/internal/connection"
	"github.com/smukkama/iot-watch/internal/logging"
	"github.com/smukkama/iot-watch/internal/metrics"
	"github.com/smukkama/iot-watch/internal/queue"
	"github.com/smukkama/iot-watch/internal/registry"
	"github.com/smukkama/iot-watch/internal/server"
	"github.com/smukkama/iot-watch/internal/timer"
	"github.com/smukkama/iot-watch/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closer := logging.Init("gateway", cfg.Log.Level, cfg.Log.File)
	defer closer.Close()

	fmt.Println("Starting Sensor Gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	app.ServeMetrics(ctx, cfg.Metrics.Port, m, logger)

	redisClient := app.NewRedisClient(cfg)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	devices := registry.NewRedisRegistry(redisClient)
	fmt.Println("Connected to Redis")

	if err := queue.EnsureTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings, cfg.Kafka.NumPartitions, 1); err != nil {
		fmt.Printf("Note: %v\n", err)
	}
	if err := queue.EnsureTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicAlerts, 1, 1); err != nil {
		fmt.Printf("Note: %v\n", err)
	}

	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicReadings)
	defer producer.Close()
	fmt.Println("Kafka producer initialized")

	connManager := connection.NewManager(cfg.TCPServer.MaxConnections)

	scheduler := timer.NewScheduler(4)
	scheduler.Start()
	defer scheduler.Stop()

	tcpServer := server.NewTCPServer(&cfg.TCPServer, connManager, scheduler, queue.NewReadingPublisher(producer),
		devices, app.Limits(cfg), m, logger)
	if err := tcpServer.Start(); err != nil {
		log.Fatalf("Failed to start TCP server: %v", err)
	}
	defer tcpServer.Stop()

	if cfg.MQTT.Broker != "" {
		listener := registry.NewStatusListener(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Topic, devices, logger)
		if err := listener.Start(); err != nil {
			log.Fatalf("Failed to start MQTT status listener: %v", err)
		}
		defer listener.Stop()
		fmt.Printf("Listening for device status on %s\n", cfg.MQTT.Topic)
	}

	err = scheduler.Every("gateway-stats", time.Now().Add(30*time.Second), 30*time.Second, func() {
		stats := connManager.Stats()
		timerStats := scheduler.Stats()
		logger.Info("gateway statistics",
			"connections", stats.TotalConnections,
			"max_connections", stats.MaxConnections,
			"sensors", stats.UniqueSensors,
			"locations", stats.UniqueLocations,
			"timers", timerStats.ScheduledTasks)
	})
	if err != nil {
		log.Fatalf("Failed to schedule statistics: %v", err)
	}

	fmt.Println("\n✓ Sensor Gateway is running")
	fmt.Printf("✓ TCP gateway listening on port %d\n", cfg.TCPServer.Port)
	fmt.Printf("✓ Metrics on :%d/metrics\n", cfg.Metrics.Port)
	fmt.Println("✓ Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}
