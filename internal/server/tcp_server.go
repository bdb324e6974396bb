// Package server is the TCP gateway sensors connect to. It validates their
// readings, forwards them to Kafka and keeps the device registry current.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/iot-watch/internal/connection"
	"github.com/smukkama/iot-watch/internal/metrics"
	"github.com/smukkama/iot-watch/internal/protocol"
	"github.com/smukkama/iot-watch/internal/reading"
	"github.com/smukkama/iot-watch/internal/registry"
	"github.com/smukkama/iot-watch/internal/timer"
	"github.com/smukkama/iot-watch/pkg/config"
)

// ReadingSink receives accepted readings.
type ReadingSink interface {
	PublishEnvelope(ctx context.Context, env *protocol.ReadingEnvelope) error
}

type TCPServer struct {
	config      *config.TCPServerConfig
	connManager *connection.Manager
	scheduler   *timer.Scheduler
	sink        ReadingSink
	devices     registry.Store
	limits      reading.Limits
	metrics     *metrics.Metrics
	logger      *slog.Logger

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time
}

func NewTCPServer(
	cfg *config.TCPServerConfig,
	connManager *connection.Manager,
	scheduler *timer.Scheduler,
	sink ReadingSink,
	devices registry.Store,
	limits reading.Limits,
	m *metrics.Metrics,
	logger *slog.Logger,
) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		config:      cfg,
		connManager: connManager,
		scheduler:   scheduler,
		sink:        sink,
		devices:     devices,
		limits:      limits,
		metrics:     m,
		logger:      logger,
		stopCh:      make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
	}
}

func (s *TCPServer) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP server: %w", err)
	}

	s.listener = listener
	s.logger.Info("gateway listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Addr returns the bound listener address.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and every open session, then waits for the
// handlers to finish.
func (s *TCPServer) Stop() {
	close(s.stopCh)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, id := range s.connManager.GetAllConnections() {
		if sess, ok := s.connManager.Get(id); ok {
			sess.Conn.Close()
		}
	}

	s.wg.Wait()
	s.logger.Info("gateway stopped")
}

func (s *TCPServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error("failed to accept connection", "error", err)
				continue
			}
		}

		if s.connManager.Count() >= s.config.MaxConnections {
			s.logger.Warn("maximum connections reached, rejecting", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	connectionID := uuid.NewString()
	log := s.logger.With("connection_id", connectionID)
	log.Debug("new connection", "remote", conn.RemoteAddr().String())

	conn.SetReadDeadline(s.now().Add(s.config.IdentifyTimeout))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		log.Debug("failed to read identify message", "error", err)
		return
	}

	msg, err := protocol.ParseMessage(line)
	if err != nil {
		s.sendMessage(conn, protocol.NewErrorAck(err))
		return
	}
	identify, ok := msg.(*protocol.IdentifyMessage)
	if !ok {
		s.sendMessage(conn, protocol.NewErrorAck(errors.New("expected identify message")))
		return
	}

	loc := reading.Location{Latitude: identify.Latitude, Longitude: identify.Longitude}
	displaced, err := s.connManager.Register(connectionID, identify.SensorID, identify.Name, loc, conn)
	if err != nil {
		s.sendMessage(conn, protocol.NewErrorAck(err))
		return
	}
	if displaced != nil {
		log.Info("sensor reconnected, closing previous session", "sensor_id", identify.SensorID, "previous", displaced.ConnectionID)
		displaced.Conn.Close()
	}
	defer s.disconnect(connectionID)

	log = log.With("sensor_id", identify.SensorID)
	s.updateDevice(identify.SensorID, func(d *registry.DeviceStatus) {
		if identify.Name != "" {
			d.Name = identify.Name
		}
		d.Location = &loc
	})

	if err := s.sendMessage(conn, protocol.NewAckMessage(protocol.AckStatusIdentified)); err != nil {
		log.Debug("failed to send ack", "error", err)
		return
	}
	log.Info("sensor identified", "location", loc.Key())

	s.scheduleInactivityTimer(connectionID)
	defer s.scheduler.Cancel(inactivityTimerID(connectionID))

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(s.now().Add(30 * time.Second))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			log.Debug("connection closed", "error", err)
			return
		}

		msg, err := protocol.ParseMessage(line)
		if err != nil {
			s.sendMessage(conn, protocol.NewErrorAck(err))
			continue
		}

		var reply *protocol.AckMessage
		switch m := msg.(type) {
		case *protocol.ReadingMessage:
			reply = s.handleReading(identify.SensorID, loc, m, log)
		case *protocol.KeepaliveMessage:
			reply = protocol.NewAckMessage(protocol.AckStatusAlive)
		default:
			reply = protocol.NewErrorAck(fmt.Errorf("unexpected message %T", msg))
		}
		if err := s.sendMessage(conn, reply); err != nil {
			log.Debug("failed to send reply", "error", err)
			return
		}

		s.connManager.UpdateActivity(connectionID)
		s.scheduleInactivityTimer(connectionID)
	}
}

// handleReading validates and forwards one reading. The sensor's status
// fields update the registry even when the reading itself is rejected.
func (s *TCPServer) handleReading(sensorID string, loc reading.Location, msg *protocol.ReadingMessage, log *slog.Logger) *protocol.AckMessage {
	now := s.now()
	s.updateDevice(sensorID, func(d *registry.DeviceStatus) {
		d.LastSeen = now.UTC()
		if msg.Data.BatteryLevel != nil {
			d.BatteryLevel = reading.Float(*msg.Data.BatteryLevel)
		}
		if msg.Data.NetworkLatency != nil {
			d.NetworkLatency = reading.Float(*msg.Data.NetworkLatency)
		}
	})

	env := protocol.NewReadingEnvelope(sensorID, loc, msg.Data, now)
	r, err := env.Reading()
	if err == nil {
		err = s.limits.Validate(r, now)
	}
	if err != nil {
		var verr *reading.ValidationError
		if errors.As(err, &verr) {
			s.metrics.ReadingRejected(verr.Field)
		}
		log.Warn("rejected reading", "error", err)
		return protocol.NewErrorAck(err)
	}

	if err := s.sink.PublishEnvelope(s.ctx, env); err != nil {
		log.Error("failed to publish reading", "error", err)
		return protocol.NewErrorAck(errors.New("reading not accepted, retry later"))
	}
	return protocol.NewAckMessage(protocol.AckStatusAccepted)
}

// updateDevice applies fn to the stored status and marks the sensor online.
func (s *TCPServer) updateDevice(sensorID string, fn func(*registry.DeviceStatus)) {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	status, _, err := s.devices.Get(ctx, sensorID)
	if err != nil {
		s.logger.Warn("failed to load device status", "sensor_id", sensorID, "error", err)
		return
	}
	status.SensorID = sensorID
	status.Online = true
	fn(&status)
	if err := s.devices.Upsert(ctx, status); err != nil {
		s.logger.Warn("failed to update device status", "sensor_id", sensorID, "error", err)
	}
}

// disconnect unregisters the session and marks its sensor offline unless a
// newer session of the same sensor took over.
func (s *TCPServer) disconnect(connectionID string) {
	sess, ok := s.connManager.Unregister(connectionID)
	if !ok {
		return
	}
	if _, reconnected := s.connManager.BySensor(sess.SensorID); reconnected {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.devices.MarkOffline(ctx, sess.SensorID); err != nil {
		s.logger.Warn("failed to mark sensor offline", "sensor_id", sess.SensorID, "error", err)
	}
	s.logger.Info("sensor disconnected", "sensor_id", sess.SensorID, "connection_id", connectionID)
}

func (s *TCPServer) sendMessage(conn net.Conn, msg any) error {
	data, err := protocol.EncodeMessage(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(s.now().Add(10 * time.Second))
	_, err = conn.Write(data)
	return err
}

func inactivityTimerID(connectionID string) string {
	return "inactivity-" + connectionID
}

func (s *TCPServer) scheduleInactivityTimer(connectionID string) {
	expiryAt := s.now().Add(s.config.InactivityTimeout)

	err := s.scheduler.Schedule(inactivityTimerID(connectionID), expiryAt, func() {
		sess, exists := s.connManager.Get(connectionID)
		if !exists {
			return
		}
		s.logger.Info("inactivity timeout", "connection_id", connectionID, "sensor_id", sess.SensorID)
		// the read loop exits and runs the disconnect cleanup
		sess.Conn.Close()
	})
	if err != nil {
		s.logger.Warn("failed to schedule inactivity timer", "connection_id", connectionID, "error", err)
	}
}
