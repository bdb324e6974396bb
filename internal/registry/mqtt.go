package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/smukkama/iot-watch/internal/reading"
)

// StatusMessage is the payload sensors publish on sensors/<id>/status.
type StatusMessage struct {
	SensorID       string    `json:"sensor_id,omitempty"`
	Name           string    `json:"name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	BatteryLevel   *float64  `json:"battery_level,omitempty"`
	NetworkLatency *float64  `json:"network_latency_ms,omitempty"`
	Online         *bool     `json:"online,omitempty"`
}

// Apply merges the message into the previous status. Fields the message
// leaves out keep their previous values.
func (m StatusMessage) Apply(prev DeviceStatus, now time.Time) DeviceStatus {
	next := prev
	next.SensorID = m.SensorID
	if m.Name != "" {
		next.Name = m.Name
	}
	seen := m.Timestamp
	if seen.IsZero() || seen.After(now) {
		seen = now
	}
	if seen.After(next.LastSeen) {
		next.LastSeen = seen.UTC()
	}
	if m.BatteryLevel != nil {
		next.BatteryLevel = reading.Float(*m.BatteryLevel)
	}
	if m.NetworkLatency != nil {
		next.NetworkLatency = reading.Float(*m.NetworkLatency)
	}
	next.Online = true
	if m.Online != nil {
		next.Online = *m.Online
	}
	return next
}

// SensorIDFromTopic extracts <id> from sensors/<id>/status.
func SensorIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[2] != "status" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// StatusListener feeds MQTT status messages into a registry.
type StatusListener struct {
	client mqtt.Client
	topic  string
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewStatusListener(broker, clientID, topic string, store Store, logger *slog.Logger) *StatusListener {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	l := &StatusListener{topic: topic, store: store, logger: logger, now: time.Now}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// resubscribe after reconnects
		if token := c.Subscribe(l.topic, 1, l.onMessage); token.Wait() && token.Error() != nil {
			l.logger.Error("mqtt subscribe failed", "topic", l.topic, "error", token.Error())
		}
	})
	l.client = mqtt.NewClient(opts)
	return l
}

// Start connects to the broker; subscription happens on connect.
func (l *StatusListener) Start() error {
	token := l.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	l.logger.Info("mqtt status listener started", "topic", l.topic)
	return nil
}

func (l *StatusListener) Stop() {
	l.client.Disconnect(250)
}

func (l *StatusListener) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.Handle(ctx, msg.Topic(), msg.Payload()); err != nil {
		l.logger.Warn("dropping device status", "topic", msg.Topic(), "error", err)
	}
}

// Handle applies one status payload received on topic.
func (l *StatusListener) Handle(ctx context.Context, topic string, payload []byte) error {
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to parse status: %w", err)
	}
	if id, ok := SensorIDFromTopic(topic); ok {
		msg.SensorID = id
	}
	if msg.SensorID == "" {
		return fmt.Errorf("status without sensor id")
	}
	if msg.BatteryLevel != nil && (*msg.BatteryLevel < 0 || *msg.BatteryLevel > 100) {
		return fmt.Errorf("battery level %.1f out of range", *msg.BatteryLevel)
	}

	prev, _, err := l.store.Get(ctx, msg.SensorID)
	if err != nil {
		return err
	}
	return l.store.Upsert(ctx, msg.Apply(prev, l.now()))
}
