// Package app wires the configured store, cache, registry and analytics
// service shared by the commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smukkama/iot-watch/internal/aggregation"
	"github.com/smukkama/iot-watch/internal/analytics"
	"github.com/smukkama/iot-watch/internal/anomaly"
	"github.com/smukkama/iot-watch/internal/cache"
	"github.com/smukkama/iot-watch/internal/database"
	"github.com/smukkama/iot-watch/internal/forecast"
	"github.com/smukkama/iot-watch/internal/health"
	"github.com/smukkama/iot-watch/internal/metrics"
	"github.com/smukkama/iot-watch/internal/reading"
	"github.com/smukkama/iot-watch/internal/registry"
	"github.com/smukkama/iot-watch/pkg/config"
)

// Core is the analytics stack built from configuration.
type Core struct {
	DB       *database.DB
	Store    *database.ReadingStore
	Redis    *redis.Client
	Registry registry.Store
	Service  *analytics.Service
}

// Close releases the database and Redis connections.
func (c *Core) Close() {
	if c.Redis != nil {
		c.Redis.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}

// NewCore opens the store, runs its migrations and builds the service.
// Redis backs the registry, and the aggregate cache when CACHE_BACKEND=redis.
func NewCore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Core, error) {
	db, err := database.Connect(cfg.Store.Driver, cfg.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	core := &Core{DB: db, Store: database.NewReadingStore(db, Limits(cfg))}
	core.Redis = NewRedisClient(cfg)
	core.Registry = registry.NewRedisRegistry(core.Redis)

	var aggCache cache.Store = cache.NewMemory(cfg.Cache.TTL, m)
	if cfg.Cache.Backend == "redis" {
		aggCache = cache.NewRedis(core.Redis, cfg.Cache.TTL, m)
	}

	core.Service = NewService(cfg, core.Store, aggCache, core.Registry, m, logger)
	return core, nil
}

func NewRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// NewService assembles the analytics components over an opened store.
func NewService(cfg *config.Config, store *database.ReadingStore, aggCache cache.Store, devices registry.Registry,
	m *metrics.Metrics, logger *slog.Logger) *analytics.Service {
	tz := Timezone(cfg)
	a := cfg.Analytics

	agg := aggregation.NewAggregator(store, aggCache, aggregation.Options{
		WindowDays:  a.WindowDays,
		BoxplotDays: a.BoxplotDays,
		Timezone:    tz,
	}, logger.With("component", "aggregator"))

	det := anomaly.NewDetector(store, anomaly.Options{
		Window:   a.AnomalyWindow,
		Lookback: a.AnomalyLookback,
		Thresholds: []anomaly.Threshold{
			{Z: a.WarningZ, Severity: anomaly.SeverityWarning},
			{Z: a.CriticalZ, Severity: anomaly.SeverityCritical},
		},
	})

	model := forecast.ModelLinear
	if a.PredictModel == "ewma" {
		model = forecast.ModelEWMA
	}
	pred := forecast.NewPredictor(store, forecast.Options{
		Window:      a.PredictWindow,
		MinSamples:  a.PredictMinSamples,
		Horizon:     a.PredictHorizon,
		Model:       model,
		DayLookback: a.PredictDayLookback,
		Timezone:    tz,
	})

	scorer := health.NewScorer(devices, store, Locations(cfg), HealthOptions(cfg))

	return analytics.NewService(store, agg, det, pred, scorer, m, logger, analytics.Options{
		TrendEpsilon: a.TrendEpsilon,
		RecentLimit:  a.RecentLimit,
		Timezone:     tz,
	})
}

func HealthOptions(cfg *config.Config) health.Options {
	h := cfg.Health
	return health.Options{
		Weights: health.Weights{
			Battery:      h.BatteryWeight,
			Connectivity: h.ConnectivityWeight,
			Uptime:       h.UptimeWeight,
		},
		BatteryFloor:       h.BatteryFloor,
		BatteryWarning:     h.BatteryWarning,
		ExpectedPoll:       h.ExpectedPoll,
		OfflineGrace:       h.OfflineGrace,
		ReadingsStaleAfter: h.ReadingsStaleAfter,
	}
}

func Limits(cfg *config.Config) reading.Limits {
	return reading.Limits{
		MinTemperature: cfg.Analytics.MinTemperature,
		MaxTemperature: cfg.Analytics.MaxTemperature,
		ClockSkew:      cfg.Analytics.ClockSkew,
	}
}

// Timezone is validated by config.Load, so the fallback only covers
// hand-built configs.
func Timezone(cfg *config.Config) *time.Location {
	tz, err := time.LoadLocation(cfg.Location.Timezone)
	if err != nil {
		return time.UTC
	}
	return tz
}

// Locations returns the monitored locations.
func Locations(cfg *config.Config) []reading.Location {
	return []reading.Location{{Latitude: cfg.Location.Latitude, Longitude: cfg.Location.Longitude}}
}

// ServeMetrics exposes /metrics on port until ctx ends.
func ServeMetrics(ctx context.Context, port int, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}
