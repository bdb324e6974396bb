// Package alerting turns the stateless health and anomaly answers into
// alert transitions. Active alerts are remembered so that each one is
// announced once when it starts and once when it clears.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertState is the remembered state of one (sensor, kind) alert.
type AlertState struct {
	Status      string    `json:"status"` // PENDING, ACTIVE
	SensorID    string    `json:"sensor_id"`
	Kind        string    `json:"kind"`
	Severity    string    `json:"severity"`
	Message     string    `json:"message"`
	Value       *float64  `json:"value,omitempty"`
	StartTime   time.Time `json:"start_time"`
	LastChecked time.Time `json:"last_checked"`
	AlertID     string    `json:"alert_id,omitempty"`
}

const (
	StatePending = "PENDING"
	StateActive  = "ACTIVE"
)

// StateKey identifies an alert by sensor and kind.
func StateKey(sensorID, kind string) string {
	return sensorID + ":" + kind
}

// StateStore persists alert states between evaluation rounds.
type StateStore interface {
	List(ctx context.Context) (map[string]*AlertState, error)
	Set(ctx context.Context, key string, state *AlertState) error
	Delete(ctx context.Context, key string) error
}

const stateKeyPrefix = "alert_state:"

// StateManager keeps alert states in Redis under alert_state:<sensor>:<kind>.
type StateManager struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewStateManager(redisClient *redis.Client) *StateManager {
	return &StateManager{redis: redisClient, ttl: 7 * 24 * time.Hour}
}

func (sm *StateManager) Set(ctx context.Context, key string, state *AlertState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	// expire abandoned states, e.g. of a decommissioned sensor
	if err := sm.redis.Set(ctx, stateKeyPrefix+key, data, sm.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set state in Redis: %w", err)
	}
	return nil
}

func (sm *StateManager) Delete(ctx context.Context, key string) error {
	if err := sm.redis.Del(ctx, stateKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// List returns every stored state keyed without the Redis prefix.
func (sm *StateManager) List(ctx context.Context) (map[string]*AlertState, error) {
	states := make(map[string]*AlertState)
	iter := sm.redis.Scan(ctx, 0, stateKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		redisKey := iter.Val()
		data, err := sm.redis.Get(ctx, redisKey).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get state %s: %w", redisKey, err)
		}
		var state AlertState
		if err := json.Unmarshal(data, &state); err != nil {
			continue
		}
		states[strings.TrimPrefix(redisKey, stateKeyPrefix)] = &state
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan alert states: %w", err)
	}
	return states, nil
}

// MemoryStates is a StateStore for a single evaluator process.
type MemoryStates struct {
	mu     sync.Mutex
	states map[string]AlertState
}

func NewMemoryStates() *MemoryStates {
	return &MemoryStates{states: make(map[string]AlertState)}
}

func (m *MemoryStates) List(_ context.Context) (map[string]*AlertState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*AlertState, len(m.states))
	for k, v := range m.states {
		v := v
		out[k] = &v
	}
	return out, nil
}

func (m *MemoryStates) Set(_ context.Context, key string, state *AlertState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[key] = *state
	return nil
}

func (m *MemoryStates) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, key)
	return nil
}
