// Package registry tracks the status of the physical sensors feeding the
// system. The gateway and the MQTT listener write it; health scoring reads it.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

// DeviceStatus is the last known state of one sensor. BatteryLevel and
// NetworkLatency stay nil until the sensor reports them.
type DeviceStatus struct {
	SensorID       string            `json:"sensor_id"`
	Name           string            `json:"name,omitempty"`
	LastSeen       time.Time         `json:"last_seen"`
	BatteryLevel   *float64          `json:"battery_level,omitempty"`
	NetworkLatency *float64          `json:"network_latency_ms,omitempty"`
	Online         bool              `json:"online"`
	Location       *reading.Location `json:"location,omitempty"`
}

// Registry is the read side used by health scoring.
type Registry interface {
	Devices(ctx context.Context) ([]DeviceStatus, error)
}

// Store is a registry that can also be written.
type Store interface {
	Registry
	Get(ctx context.Context, sensorID string) (DeviceStatus, bool, error)
	Upsert(ctx context.Context, status DeviceStatus) error
	MarkOffline(ctx context.Context, sensorID string) error
}

// Memory is an in-process registry.
type Memory struct {
	mu      sync.RWMutex
	devices map[string]DeviceStatus
}

func NewMemory() *Memory {
	return &Memory{devices: make(map[string]DeviceStatus)}
}

func (m *Memory) Devices(_ context.Context) ([]DeviceStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeviceStatus, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SensorID < out[j].SensorID })
	return out, nil
}

func (m *Memory) Get(_ context.Context, sensorID string) (DeviceStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[sensorID]
	return d, ok, nil
}

func (m *Memory) Upsert(_ context.Context, status DeviceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[status.SensorID] = status
	return nil
}

// MarkOffline flags a known sensor offline, keeping its last_seen.
func (m *Memory) MarkOffline(_ context.Context, sensorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[sensorID]
	if !ok {
		return nil
	}
	d.Online = false
	m.devices[sensorID] = d
	return nil
}
