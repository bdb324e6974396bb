package connection

import (
	"net"
	"testing"
	"time"

	"github.com/smukkama/iot-watch/internal/reading"
)

type mockAddr struct{}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return "127.0.0.1:0" }

type mockConn struct{}

func (m *mockConn) Read(b []byte) (n int, err error)   { return 0, nil }
func (m *mockConn) Write(b []byte) (n int, err error)  { return len(b), nil }
func (m *mockConn) Close() error                       { return nil }
func (m *mockConn) LocalAddr() net.Addr                { return &mockAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &mockAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

var (
	agadir    = reading.Location{Latitude: 30.4202, Longitude: -9.5982}
	marrakech = reading.Location{Latitude: 31.6295, Longitude: -7.9811}
)

func TestManager_Register(t *testing.T) {
	m := NewManager(10)

	displaced, err := m.Register("conn1", "s-1", "roof", agadir, &mockConn{})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if displaced != nil {
		t.Error("Expected nothing displaced on first register")
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", m.Count())
	}

	s, exists := m.Get("conn1")
	if !exists {
		t.Fatal("Session not found")
	}
	if s.SensorID != "s-1" || s.Location != agadir {
		t.Errorf("Unexpected session %+v", s)
	}
}

func TestManager_RegisterMaxConnections(t *testing.T) {
	m := NewManager(2)

	m.Register("conn1", "s-1", "", agadir, &mockConn{})
	m.Register("conn2", "s-2", "", agadir, &mockConn{})

	if _, err := m.Register("conn3", "s-3", "", marrakech, &mockConn{}); err != ErrMaxConnectionsReached {
		t.Errorf("Expected ErrMaxConnectionsReached, got %v", err)
	}

	// a reconnecting sensor replaces its own slot even at capacity
	if _, err := m.Register("conn4", "s-1", "", agadir, &mockConn{}); err != nil {
		t.Errorf("Expected reconnect at capacity to succeed, got %v", err)
	}
}

func TestManager_ReconnectDisplacesOldSession(t *testing.T) {
	m := NewManager(10)

	m.Register("conn1", "s-1", "", agadir, &mockConn{})
	displaced, err := m.Register("conn2", "s-1", "", agadir, &mockConn{})
	if err != nil {
		t.Fatal(err)
	}
	if displaced == nil || displaced.ConnectionID != "conn1" {
		t.Fatalf("Expected conn1 displaced, got %+v", displaced)
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", m.Count())
	}

	// the late cleanup of conn1 must not drop the sensor's new session
	if _, ok := m.Unregister("conn1"); ok {
		t.Error("Expected conn1 to be gone already")
	}
	s, ok := m.BySensor("s-1")
	if !ok || s.ConnectionID != "conn2" {
		t.Errorf("Expected s-1 on conn2, got %+v", s)
	}
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(10)

	m.Register("conn1", "s-1", "", agadir, &mockConn{})
	m.Register("conn2", "s-2", "", agadir, &mockConn{})

	s, ok := m.Unregister("conn1")
	if !ok || s.SensorID != "s-1" {
		t.Fatalf("Unregister failed: %+v", s)
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", m.Count())
	}
	if _, ok := m.BySensor("s-1"); ok {
		t.Error("Expected s-1 to be unindexed")
	}
	if got := m.CountByLocation()[agadir.Key()]; got != 1 {
		t.Errorf("Expected 1 connection at agadir, got %d", got)
	}
}

func TestManager_UpdateActivity(t *testing.T) {
	m := NewManager(10)
	clock := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	m.Register("conn1", "s-1", "", agadir, &mockConn{})
	clock = clock.Add(time.Minute)

	if err := m.UpdateActivity("conn1"); err != nil {
		t.Fatalf("UpdateActivity failed: %v", err)
	}
	s, _ := m.Get("conn1")
	if !s.GetLastHeardFrom().Equal(clock) {
		t.Errorf("Expected last heard %v, got %v", clock, s.GetLastHeardFrom())
	}
	if err := m.UpdateActivity("missing"); err == nil {
		t.Error("Expected error for unknown connection")
	}
}

func TestManager_GetInactiveConnections(t *testing.T) {
	m := NewManager(10)

	m.Register("conn1", "s-1", "", agadir, &mockConn{})
	m.Register("conn2", "s-2", "", marrakech, &mockConn{})

	s1, _ := m.Get("conn1")
	s1.Touch(time.Now().Add(-5 * time.Minute))

	inactive := m.GetInactiveConnections(2 * time.Minute)
	if len(inactive) != 1 || inactive[0] != "conn1" {
		t.Errorf("Expected conn1 to be the only inactive connection, got %v", inactive)
	}
}

func TestManager_Stats(t *testing.T) {
	m := NewManager(100)

	m.Register("conn1", "s-1", "", agadir, &mockConn{})
	m.Register("conn2", "s-2", "", agadir, &mockConn{})
	m.Register("conn3", "s-3", "", marrakech, &mockConn{})

	stats := m.Stats()
	if stats.TotalConnections != 3 || stats.UniqueSensors != 3 {
		t.Errorf("Expected 3 connections and sensors, got %+v", stats)
	}
	if stats.UniqueLocations != 2 {
		t.Errorf("Expected 2 unique locations, got %d", stats.UniqueLocations)
	}
	if stats.MaxConnections != 100 {
		t.Errorf("Expected max 100, got %d", stats.MaxConnections)
	}
}
