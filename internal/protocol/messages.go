// Package protocol defines the newline-delimited JSON spoken between sensors
// and the gateway, and the messages the gateway puts on Kafka.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType represents the type of message
type MessageType string

const (
	// Sensor to gateway
	MsgTypeIdentify  MessageType = "identify"
	MsgTypeReading   MessageType = "reading"
	MsgTypeKeepalive MessageType = "keepalive"

	// Gateway to sensor
	MsgTypeAck MessageType = "ack"
)

type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage is the first line a sensor sends. It pins the sensor to a
// location for the rest of the connection.
type IdentifyMessage struct {
	Type      MessageType `json:"type"`
	SensorID  string      `json:"sensor_id"`
	Name      string      `json:"name,omitempty"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
}

// ReadingData is one measurement plus the device status piggybacked on it.
type ReadingData struct {
	Timestamp      string   `json:"timestamp"`
	Temperature    float64  `json:"temperature"`
	Humidity       *float64 `json:"humidity,omitempty"`
	WindSpeed      *float64 `json:"wind_speed,omitempty"`
	Precipitation  *float64 `json:"precipitation,omitempty"`
	BatteryLevel   *float64 `json:"battery_level,omitempty"`
	NetworkLatency *float64 `json:"network_latency_ms,omitempty"`
}

type ReadingMessage struct {
	Type MessageType `json:"type"`
	Data ReadingData `json:"data"`
}

type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// AckMessage is sent by the gateway in response to messages
type AckMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
}

const (
	AckStatusIdentified = "identified"
	AckStatusAccepted   = "accepted"
	AckStatusAlive      = "alive"
	AckStatusError      = "error"
)

// ParseMessage parses a JSON line into the appropriate message type
func ParseMessage(data []byte) (any, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid identify message: %w", err)
		}
		if err := validateIdentify(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeReading:
		var msg ReadingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid reading message: %w", err)
		}
		if _, err := msg.Data.Time(); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeKeepalive:
		return &KeepaliveMessage{Type: MsgTypeKeepalive}, nil

	default:
		return nil, fmt.Errorf("unknown message type: %q", base.Type)
	}
}

func validateIdentify(msg *IdentifyMessage) error {
	if msg.SensorID == "" {
		return fmt.Errorf("sensor_id is required")
	}
	if msg.Latitude < -90 || msg.Latitude > 90 {
		return fmt.Errorf("latitude %v out of range", msg.Latitude)
	}
	if msg.Longitude < -180 || msg.Longitude > 180 {
		return fmt.Errorf("longitude %v out of range", msg.Longitude)
	}
	return nil
}

// Time parses the RFC3339 timestamp of the reading.
func (d ReadingData) Time() (time.Time, error) {
	if d.Timestamp == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	ts, err := time.Parse(time.RFC3339Nano, d.Timestamp)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp format (must be RFC3339): %w", err)
	}
	return ts, nil
}

// EncodeMessage encodes a message as one line, newline included.
func EncodeMessage(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func NewAckMessage(status string) *AckMessage {
	return &AckMessage{Type: MsgTypeAck, Status: status}
}

func NewErrorAck(err error) *AckMessage {
	return &AckMessage{Type: MsgTypeAck, Status: AckStatusError, Error: err.Error()}
}
