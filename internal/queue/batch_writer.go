package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/smukkama/iot-watch/internal/metrics"
	"github.com/smukkama/iot-watch/internal/protocol"
	"github.com/smukkama/iot-watch/internal/reading"
)

// MessageSource is the read side of a consumer group.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Appender stores a reading; the analytics service satisfies it.
type Appender interface {
	Append(ctx context.Context, r reading.Reading) error
}

// BatchWriter consumes reading envelopes and appends them to the store.
// Offsets are committed only after a message is stored or dropped as invalid,
// so an unavailable store stalls consumption instead of losing readings.
type BatchWriter struct {
	consumer      MessageSource
	store         Appender
	batchSize     int
	flushInterval time.Duration
	maxBackoff    time.Duration
	metrics       *metrics.Metrics
	logger        *slog.Logger
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

func NewBatchWriter(consumer MessageSource, store Appender, batchSize int, flushInterval time.Duration,
	m *metrics.Metrics, logger *slog.Logger) *BatchWriter {
	if batchSize < 1 {
		batchSize = 1
	}
	return &BatchWriter{
		consumer:      consumer,
		store:         store,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxBackoff:    30 * time.Second,
		metrics:       m,
		logger:        logger,
		stopCh:        make(chan struct{}),
	}
}

// Start begins consuming in the background.
func (bw *BatchWriter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	msgCh := make(chan kafka.Message, bw.batchSize)

	bw.wg.Add(2)
	go func() {
		defer bw.wg.Done()
		<-bw.stopCh
		cancel()
	}()
	go func() {
		defer bw.wg.Done()
		bw.consume(ctx, msgCh)
	}()

	bw.wg.Add(1)
	go bw.run(ctx, msgCh)
}

// Stop flushes the pending batch and waits for the workers to exit.
func (bw *BatchWriter) Stop() {
	bw.stopOnce.Do(func() { close(bw.stopCh) })
	bw.wg.Wait()
}

func (bw *BatchWriter) consume(ctx context.Context, out chan<- kafka.Message) {
	defer close(out)
	for {
		msg, err := bw.consumer.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			bw.logger.Error("consumer error", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (bw *BatchWriter) run(ctx context.Context, in <-chan kafka.Message) {
	defer bw.wg.Done()

	var batch []kafka.Message
	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if len(batch) > 0 {
				bw.flush(ctx, batch)
				batch = nil
			}

		case msg, ok := <-in:
			if !ok {
				// commits need a live context after shutdown
				drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				bw.flush(drainCtx, batch)
				cancel()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= bw.batchSize {
				bw.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

// flush stores the batch in order. It returns early when the context ends
// while the store is unavailable; uncommitted messages are redelivered.
func (bw *BatchWriter) flush(ctx context.Context, batch []kafka.Message) {
	if len(batch) == 0 {
		return
	}
	stored := 0
	for _, msg := range batch {
		ok, err := bw.process(ctx, msg)
		if err != nil {
			bw.logger.Warn("stopping flush, store unavailable", "pending", len(batch)-stored, "error", err)
			return
		}
		if ok {
			stored++
		}
		if err := bw.consumer.Commit(ctx, msg); err != nil {
			bw.logger.Error("failed to commit offset", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
	bw.logger.Debug("flushed batch", "messages", len(batch), "stored", stored)
}

// process reports whether the message was stored. Undecodable or invalid
// readings are dropped; only a store outage is returned as an error, after
// retrying with backoff until ctx ends.
func (bw *BatchWriter) process(ctx context.Context, msg kafka.Message) (bool, error) {
	bw.metrics.MessageConsumed()

	env, err := protocol.DecodeReadingEnvelope(msg.Value)
	if err != nil {
		bw.logger.Warn("dropping undecodable message", "offset", msg.Offset, "error", err)
		return false, nil
	}
	r, err := env.Reading()
	if err != nil {
		bw.logger.Warn("dropping reading", "message_id", env.MessageID, "error", err)
		return false, nil
	}

	backoff := 100 * time.Millisecond
	for {
		err := bw.store.Append(ctx, r)
		if err == nil {
			return true, nil
		}

		var verr *reading.ValidationError
		if errors.As(err, &verr) {
			bw.logger.Warn("rejected reading", "message_id", env.MessageID, "field", verr.Field, "reason", verr.Reason)
			return false, nil
		}
		var unavailable *reading.StoreUnavailableError
		if !errors.As(err, &unavailable) {
			bw.logger.Error("dropping reading after unexpected error", "message_id", env.MessageID, "error", err)
			return false, nil
		}

		bw.logger.Warn("store unavailable, retrying", "message_id", env.MessageID, "backoff", backoff, "error", err)
		if !sleepCtx(ctx, backoff) {
			return false, err
		}
		backoff = min(backoff*2, bw.maxBackoff)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
