// Command analytics runs one analytics query against the configured store
// and prints the result as JSON.
//
//	analytics [flags] latest|history|recent|weekly|boxplot|heatmap|anomalies|predict|predict-day|health
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/smukkama/iot-watch/internal/analytics"
	"github.com/smukkama/iot-watch/internal/app"
	"github.com/smukkama/iot-watch/internal/logging"
	"github.com/smukkama/iot-watch/internal/reading"
	"github.com/smukkama/iot-watch/pkg/config"
)

type options struct {
	lat, lon float64
	window   time.Duration
	n        int
	days     int
	day      int
	hours    int
	horizon  time.Duration
	timeout  time.Duration
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	var opts options
	flag.Float64Var(&opts.lat, "lat", cfg.Location.Latitude, "latitude of the series")
	flag.Float64Var(&opts.lon, "lon", cfg.Location.Longitude, "longitude of the series")
	flag.DurationVar(&opts.window, "window", 24*time.Hour, "history window")
	flag.IntVar(&opts.n, "n", 0, "number of recent readings (0 = default)")
	flag.IntVar(&opts.days, "days", 0, "boxplot days (0 = default)")
	flag.IntVar(&opts.day, "day", 1, "day ahead for predict-day (1-5)")
	flag.IntVar(&opts.hours, "hours", 0, "anomaly window in hours (0 = default)")
	flag.DurationVar(&opts.horizon, "horizon", 0, "prediction horizon (0 = default)")
	flag.DurationVar(&opts.timeout, "timeout", 30*time.Second, "query timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] latest|history|recent|weekly|boxplot|heatmap|anomalies|predict|predict-day|health\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	// logs go to stderr so stdout stays valid JSON
	logger, closer := logging.InitTo(os.Stderr, "analytics", cfg.Log.Level, cfg.Log.File)
	defer closer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	core, err := app.NewCore(ctx, cfg, nil, logger)
	if err != nil {
		log.Fatalf("Failed to open reading store: %v", err)
	}
	defer core.Close()

	result, err := run(ctx, core.Service, flag.Arg(0), opts)
	if err != nil {
		log.Fatalf("%s failed: %v", flag.Arg(0), err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatalf("Failed to encode result: %v", err)
	}
}

func run(ctx context.Context, svc *analytics.Service, op string, opts options) (any, error) {
	loc := reading.Location{Latitude: opts.lat, Longitude: opts.lon}
	switch op {
	case "latest":
		return svc.Latest(ctx, loc)
	case "history":
		return svc.History(ctx, loc, opts.window)
	case "recent":
		return svc.Recent(ctx, loc, opts.n)
	case "weekly":
		return svc.WeeklyStats(ctx, loc)
	case "boxplot":
		return svc.Boxplot(ctx, loc, opts.days)
	case "heatmap":
		return svc.Heatmap(ctx, loc)
	case "anomalies":
		return svc.Anomalies(ctx, loc, opts.hours)
	case "predict":
		return svc.Predict(ctx, loc, opts.horizon)
	case "predict-day":
		return svc.PredictDay(ctx, loc, opts.day)
	case "health":
		return svc.DeviceHealth(ctx)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}
