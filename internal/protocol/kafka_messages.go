package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/iot-watch/internal/reading"
)

// ReadingEnvelope is the Kafka record of one accepted reading.
type ReadingEnvelope struct {
	MessageID  string      `json:"message_id"`
	SensorID   string      `json:"sensor_id,omitempty"`
	Source     string      `json:"source"`
	Latitude   float64     `json:"latitude"`
	Longitude  float64     `json:"longitude"`
	ReceivedAt time.Time   `json:"received_at"`
	Data       ReadingData `json:"data"`
}

// NewReadingEnvelope wraps a sensor reading for the readings topic.
func NewReadingEnvelope(sensorID string, loc reading.Location, data ReadingData, receivedAt time.Time) *ReadingEnvelope {
	return &ReadingEnvelope{
		MessageID:  uuid.NewString(),
		SensorID:   sensorID,
		Source:     "sensor:" + sensorID,
		Latitude:   loc.Latitude,
		Longitude:  loc.Longitude,
		ReceivedAt: receivedAt,
		Data:       data,
	}
}

// EnvelopeFromReading wraps a reading that did not come from a sensor
// connection, e.g. a polled one.
func EnvelopeFromReading(r reading.Reading, receivedAt time.Time) *ReadingEnvelope {
	return &ReadingEnvelope{
		MessageID:  uuid.NewString(),
		Source:     r.Source,
		Latitude:   r.Latitude,
		Longitude:  r.Longitude,
		ReceivedAt: receivedAt,
		Data: ReadingData{
			Timestamp:     r.Timestamp.UTC().Format(time.RFC3339Nano),
			Temperature:   r.Temperature,
			Humidity:      r.Humidity,
			WindSpeed:     r.WindSpeed,
			Precipitation: r.Precipitation,
		},
	}
}

// Key is the partition key; readings of one location stay ordered.
func (e *ReadingEnvelope) Key() string {
	return reading.Location{Latitude: e.Latitude, Longitude: e.Longitude}.Key()
}

// Reading converts the envelope into a store reading.
func (e *ReadingEnvelope) Reading() (reading.Reading, error) {
	ts, err := e.Data.Time()
	if err != nil {
		return reading.Reading{}, &reading.ValidationError{Field: "timestamp", Reason: err.Error()}
	}
	return reading.Reading{
		Timestamp:     ts.UTC(),
		Latitude:      e.Latitude,
		Longitude:     e.Longitude,
		Temperature:   e.Data.Temperature,
		Humidity:      e.Data.Humidity,
		WindSpeed:     e.Data.WindSpeed,
		Precipitation: e.Data.Precipitation,
		Source:        e.Source,
	}, nil
}

func EncodeReadingEnvelope(msg *ReadingEnvelope) ([]byte, error) {
	return json.Marshal(msg)
}

func DecodeReadingEnvelope(data []byte) (*ReadingEnvelope, error) {
	var msg ReadingEnvelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid reading envelope: %w", err)
	}
	return &msg, nil
}

// AlertNotification is published when an alert starts or stops firing.
type AlertNotification struct {
	Type      string    `json:"type"` // ALERT_TRIGGERED, ALERT_CLEARED
	AlertID   string    `json:"alert_id"`
	SensorID  string    `json:"sensor_id"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Value     *float64  `json:"value,omitempty"`
	StartTime time.Time `json:"start_time"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	AlertTypeTriggered = "ALERT_TRIGGERED"
	AlertTypeCleared   = "ALERT_CLEARED"
)

func EncodeAlertNotification(alert *AlertNotification) ([]byte, error) {
	return json.Marshal(alert)
}

func DecodeAlertNotification(data []byte) (*AlertNotification, error) {
	var alert AlertNotification
	if err := json.Unmarshal(data, &alert); err != nil {
		return nil, fmt.Errorf("invalid alert notification: %w", err)
	}
	return &alert, nil
}
