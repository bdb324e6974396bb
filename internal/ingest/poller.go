package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smukkama/iot-watch/internal/metrics"
	"github.com/smukkama/iot-watch/internal/reading"
	"github.com/smukkama/iot-watch/internal/timer"
)

// Fetcher returns the current reading of a location.
type Fetcher interface {
	Current(ctx context.Context, loc reading.Location) (reading.Reading, error)
}

// Sink receives polled readings: the Kafka publisher or the store directly.
type Sink interface {
	Submit(ctx context.Context, r reading.Reading) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r reading.Reading) error

func (f SinkFunc) Submit(ctx context.Context, r reading.Reading) error {
	return f(ctx, r)
}

// Poller fetches every location on an interval and forwards new readings.
type Poller struct {
	fetcher   Fetcher
	sink      Sink
	locations []reading.Location
	interval  time.Duration
	timeout   time.Duration
	scheduler *timer.Scheduler
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// AlignOffset places recurring polls at this offset past each multiple
	// of the interval.
	AlignOffset time.Duration
	Now         func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// LatestSource reports the newest stored reading of a location.
type LatestSource interface {
	Latest(ctx context.Context, loc reading.Location) (reading.Reading, bool, error)
}

func NewPoller(fetcher Fetcher, sink Sink, locations []reading.Location, interval, timeout time.Duration,
	scheduler *timer.Scheduler, m *metrics.Metrics, logger *slog.Logger) *Poller {
	return &Poller{
		fetcher:   fetcher,
		sink:      sink,
		locations: locations,
		interval:  interval,
		timeout:   timeout,
		scheduler: scheduler,
		metrics:   m,
		logger:    logger,
		last:      make(map[string]time.Time),
		Now:       time.Now,
	}
}

// Seed primes duplicate detection with the newest stored reading of each
// location, so a restart does not resubmit it.
func (p *Poller) Seed(ctx context.Context, src LatestSource) error {
	for _, loc := range p.locations {
		r, ok, err := src.Latest(ctx, loc)
		if err != nil {
			return fmt.Errorf("seed %s: %w", loc.Key(), err)
		}
		if !ok {
			continue
		}
		p.mu.Lock()
		p.last[loc.Key()] = r.Timestamp
		p.mu.Unlock()
	}
	return nil
}

// ErrDuplicate reports a reading whose timestamp was already forwarded.
var ErrDuplicate = errors.New("reading already ingested")

// PollOnce fetches one location and submits the reading unless its
// timestamp was already forwarded.
func (p *Poller) PollOnce(ctx context.Context, loc reading.Location) error {
	r, err := p.fetcher.Current(ctx, loc)
	if err != nil {
		p.metrics.PollFailed()
		return fmt.Errorf("poll %s: %w", loc.Key(), err)
	}

	key := loc.Key()
	p.mu.Lock()
	if last, ok := p.last[key]; ok && !r.Timestamp.After(last) {
		p.mu.Unlock()
		return ErrDuplicate
	}
	p.mu.Unlock()

	if err := p.sink.Submit(ctx, r); err != nil {
		return fmt.Errorf("submit %s: %w", key, err)
	}

	p.mu.Lock()
	p.last[key] = r.Timestamp
	p.mu.Unlock()
	return nil
}

// Start polls every location once immediately, then on interval
// boundaries shifted by AlignOffset.
func (p *Poller) Start(ctx context.Context) error {
	now := p.Now()
	first := p.firstTick(now)
	for _, loc := range p.locations {
		loc := loc
		poll := func() { p.run(ctx, loc) }
		if err := p.scheduler.Schedule("poll-now:"+loc.Key(), now, poll); err != nil {
			return fmt.Errorf("failed to schedule poll for %s: %w", loc.Key(), err)
		}
		if err := p.scheduler.Every("poll:"+loc.Key(), first, p.interval, poll); err != nil {
			return fmt.Errorf("failed to schedule poll for %s: %w", loc.Key(), err)
		}
	}
	p.logger.Info("poller started", "locations", len(p.locations), "interval", p.interval)
	return nil
}

func (p *Poller) firstTick(now time.Time) time.Time {
	return timer.NextAligned(now, p.interval, p.AlignOffset)
}

func (p *Poller) run(ctx context.Context, loc reading.Location) {
	if ctx.Err() != nil {
		return
	}
	pollCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.PollOnce(pollCtx, loc)
	switch {
	case err == nil:
		p.logger.Debug("reading ingested", "location", loc.Key())
	case errors.Is(err, ErrDuplicate):
		p.logger.Debug("no new reading", "location", loc.Key())
	default:
		var verr *reading.ValidationError
		if errors.As(err, &verr) {
			p.logger.Warn("rejected polled reading", "location", loc.Key(), "field", verr.Field, "reason", verr.Reason)
			return
		}
		p.logger.Error("poll failed", "location", loc.Key(), "error", err)
	}
}
