package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smukkama/iot-watch/internal/connection"
	"github.com/smukkama/iot-watch/internal/health"
	"github.com/smukkama/iot-watch/internal/logging"
	"github.com/smukkama/iot-watch/internal/protocol"
	"github.com/smukkama/iot-watch/internal/reading"
	"github.com/smukkama/iot-watch/internal/registry"
	"github.com/smukkama/iot-watch/internal/timer"
	"github.com/smukkama/iot-watch/pkg/config"
)

type recordingSink struct {
	mu   sync.Mutex
	envs []*protocol.ReadingEnvelope
}

func (r *recordingSink) PublishEnvelope(_ context.Context, env *protocol.ReadingEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

type harness struct {
	server   *TCPServer
	sink     *recordingSink
	registry *registry.Memory
}

func startServer(t *testing.T, inactivity time.Duration) *harness {
	t.Helper()

	scheduler := timer.NewScheduler(2)
	scheduler.Start()
	t.Cleanup(scheduler.Stop)

	h := &harness{sink: &recordingSink{}, registry: registry.NewMemory()}
	cfg := &config.TCPServerConfig{Port: 0, MaxConnections: 10, IdentifyTimeout: 2 * time.Second, InactivityTimeout: inactivity}
	h.server = NewTCPServer(cfg, connection.NewManager(10), scheduler, h.sink, h.registry, reading.DefaultLimits, nil, logging.Discard())
	if err := h.server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(h.server.Stop)
	return h
}

type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, h *harness) *client {
	t.Helper()
	conn, err := net.Dial("tcp", h.server.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(line string) protocol.AckMessage {
	c.t.Helper()
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		c.t.Fatalf("Failed to write: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := c.reader.ReadString('\n')
	if err != nil {
		c.t.Fatalf("Failed to read reply: %v", err)
	}
	var ack protocol.AckMessage
	if err := json.Unmarshal([]byte(resp), &ack); err != nil {
		c.t.Fatalf("Invalid reply %q: %v", resp, err)
	}
	return ack
}

const identifyLine = `{"type":"identify","sensor_id":"s-1","name":"roof","latitude":30.4202,"longitude":-9.5982}`

func readingLine(ts time.Time, temp string) string {
	return `{"type":"reading","data":{"timestamp":"` + ts.UTC().Format(time.RFC3339) + `","temperature":` + temp + `,"battery_level":76}}`
}

func TestGatewayAcceptsReadings(t *testing.T) {
	h := startServer(t, time.Minute)
	c := dial(t, h)

	if ack := c.send(identifyLine); ack.Status != protocol.AckStatusIdentified {
		t.Fatalf("Expected identified, got %+v", ack)
	}
	if ack := c.send(readingLine(time.Now().Add(-time.Minute), "21.5")); ack.Status != protocol.AckStatusAccepted {
		t.Fatalf("Expected accepted, got %+v", ack)
	}
	if ack := c.send(`{"type":"keepalive"}`); ack.Status != protocol.AckStatusAlive {
		t.Fatalf("Expected alive, got %+v", ack)
	}

	if h.sink.count() != 1 {
		t.Fatalf("Expected 1 published reading, got %d", h.sink.count())
	}
	env := h.sink.envs[0]
	if env.SensorID != "s-1" || env.Latitude != 30.4202 {
		t.Errorf("Unexpected envelope %+v", env)
	}

	status, ok, _ := h.registry.Get(context.Background(), "s-1")
	if !ok || !status.Online || status.BatteryLevel == nil || *status.BatteryLevel != 76 || status.Name != "roof" {
		t.Errorf("Unexpected device status %+v", status)
	}
	if status.Location == nil || status.Location.Key() != "30.4202,-9.5982" {
		t.Errorf("Expected device location, got %v", status.Location)
	}
}

func TestGatewayLeavesUnreportedBatteryUnknown(t *testing.T) {
	h := startServer(t, time.Minute)
	c := dial(t, h)
	c.send(identifyLine)

	line := `{"type":"reading","data":{"timestamp":"` + time.Now().Add(-time.Minute).UTC().Format(time.RFC3339) + `","temperature":21.5}}`
	if ack := c.send(line); ack.Status != protocol.AckStatusAccepted {
		t.Fatalf("Expected accepted, got %+v", ack)
	}

	devices, err := h.registry.Devices(context.Background())
	if err != nil || len(devices) != 1 {
		t.Fatalf("Expected one device, got %v %v", devices, err)
	}
	if devices[0].BatteryLevel != nil {
		t.Fatalf("Expected unknown battery, got %v", *devices[0].BatteryLevel)
	}

	score := health.Evaluate(devices, nil, time.Now(), health.DefaultOptions)
	if score.BatteryScore != nil {
		t.Errorf("Expected no battery score, got %v", *score.BatteryScore)
	}
	for _, a := range score.Alerts {
		if a.Kind == health.KindBattery {
			t.Errorf("Expected no battery alert, got %+v", a)
		}
	}
}

func TestGatewayRejectsInvalidReading(t *testing.T) {
	h := startServer(t, time.Minute)
	c := dial(t, h)
	c.send(identifyLine)

	ack := c.send(readingLine(time.Now(), "150"))
	if ack.Status != protocol.AckStatusError || !strings.Contains(ack.Error, "temperature") {
		t.Fatalf("Expected temperature rejection, got %+v", ack)
	}
	if ack := c.send(`{"type":"reading","data":{"timestamp":"soon"}}`); ack.Status != protocol.AckStatusError {
		t.Fatalf("Expected parse error, got %+v", ack)
	}
	if h.sink.count() != 0 {
		t.Errorf("Expected nothing published, got %d", h.sink.count())
	}
}

func TestGatewayRequiresIdentify(t *testing.T) {
	h := startServer(t, time.Minute)
	c := dial(t, h)

	if ack := c.send(`{"type":"keepalive"}`); ack.Status != protocol.AckStatusError {
		t.Fatalf("Expected error before identify, got %+v", ack)
	}
}

func TestGatewayMarksOfflineOnInactivity(t *testing.T) {
	h := startServer(t, 150*time.Millisecond)
	c := dial(t, h)
	c.send(identifyLine)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, ok, _ := h.registry.Get(context.Background(), "s-1")
		if ok && !status.Online {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Expected sensor to be marked offline after inactivity")
}
