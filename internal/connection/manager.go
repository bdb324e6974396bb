// Package connection tracks the sensor sessions held by the gateway.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

// Session is an identified sensor connection.
type Session struct {
	ConnectionID  string
	SensorID      string
	Name          string
	Location      reading.Location
	ConnectedAt   time.Time
	LastHeardFrom time.Time
	Conn          net.Conn
	mu            sync.RWMutex
}

func (s *Session) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastHeardFrom = at
}

func (s *Session) GetLastHeardFrom() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastHeardFrom
}

// Manager indexes sessions by connection and by sensor. A sensor holds at
// most one session; registering it again displaces the older one.
type Manager struct {
	sessions map[string]*Session // key: connection_id
	bySensor map[string]string   // key: sensor_id, value: connection_id
	mu       sync.RWMutex
	maxConns int
	now      func() time.Time
}

func NewManager(maxConnections int) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		bySensor: make(map[string]string),
		maxConns: maxConnections,
		now:      time.Now,
	}
}

// Register adds a session and returns the session it displaced, if any.
// The caller owns closing the displaced connection.
func (m *Manager) Register(connectionID, sensorID, name string, loc reading.Location, conn net.Conn) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[connectionID]; exists {
		return nil, fmt.Errorf("connection ID %s already registered", connectionID)
	}

	var displaced *Session
	if prevID, ok := m.bySensor[sensorID]; ok {
		displaced = m.sessions[prevID]
		delete(m.sessions, prevID)
	}
	if displaced == nil && len(m.sessions) >= m.maxConns {
		return nil, ErrMaxConnectionsReached
	}

	now := m.now()
	m.sessions[connectionID] = &Session{
		ConnectionID:  connectionID,
		SensorID:      sensorID,
		Name:          name,
		Location:      loc,
		ConnectedAt:   now,
		LastHeardFrom: now,
		Conn:          conn,
	}
	m.bySensor[sensorID] = connectionID
	return displaced, nil
}

// Unregister removes a session. The sensor index is only cleared when it
// still points at this connection.
func (m *Manager) Unregister(connectionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.sessions[connectionID]
	if !exists {
		return nil, false
	}
	delete(m.sessions, connectionID)
	if m.bySensor[s.SensorID] == connectionID {
		delete(m.bySensor, s.SensorID)
	}
	return s, true
}

func (m *Manager) Get(connectionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[connectionID]
	return s, exists
}

func (m *Manager) BySensor(sensorID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.bySensor[sensorID]
	if !ok {
		return nil, false
	}
	s, ok := m.sessions[id]
	return s, ok
}

// UpdateActivity records that the connection was heard from now.
func (m *Manager) UpdateActivity(connectionID string) error {
	m.mu.RLock()
	s, exists := m.sessions[connectionID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}
	s.Touch(m.now())
	return nil
}

// GetInactiveConnections returns connection IDs that haven't been heard from in the given duration
func (m *Manager) GetInactiveConnections(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var inactive []string
	for id, s := range m.sessions {
		if now.Sub(s.GetLastHeardFrom()) > timeout {
			inactive = append(inactive, id)
		}
	}
	return inactive
}

// GetAllConnections returns all connection IDs
func (m *Manager) GetAllConnections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CountByLocation returns the number of sessions per location key.
func (m *Manager) CountByLocation() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]int)
	for _, s := range m.sessions {
		result[s.Location.Key()]++
	}
	return result
}

func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	locations := make(map[string]struct{})
	for _, s := range m.sessions {
		locations[s.Location.Key()] = struct{}{}
	}
	return ManagerStats{
		TotalConnections: len(m.sessions),
		UniqueSensors:    len(m.bySensor),
		UniqueLocations:  len(locations),
		MaxConnections:   m.maxConns,
	}
}

type ManagerStats struct {
	TotalConnections int
	UniqueSensors    int
	UniqueLocations  int
	MaxConnections   int
}

var (
	ErrMaxConnectionsReached = &ConnectionError{"maximum connections reached"}
)

// ConnectionError represents a connection error
type ConnectionError struct {
	msg string
}

func (e *ConnectionError) Error() string {
	return e.msg
}
