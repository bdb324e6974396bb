package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/smukkama/iot-watch/internal/protocol"
	"github.com/smukkama/iot-watch/internal/reading"
)

// Publisher is the write side of a topic.
type Publisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// ReadingPublisher puts readings on the readings topic keyed by location.
type ReadingPublisher struct {
	pub Publisher
	now func() time.Time
}

func NewReadingPublisher(pub Publisher) *ReadingPublisher {
	return &ReadingPublisher{pub: pub, now: time.Now}
}

// PublishEnvelope encodes and sends a prepared envelope.
func (p *ReadingPublisher) PublishEnvelope(ctx context.Context, env *protocol.ReadingEnvelope) error {
	data, err := protocol.EncodeReadingEnvelope(env)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}
	return p.pub.Publish(ctx, env.Key(), data)
}

// Submit publishes a reading that did not come from a sensor connection.
func (p *ReadingPublisher) Submit(ctx context.Context, r reading.Reading) error {
	return p.PublishEnvelope(ctx, protocol.EnvelopeFromReading(r, p.now()))
}
