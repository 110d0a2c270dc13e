package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ConnectionStatus is the lifecycle state of the managed transport.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is the externally observable connection status. It is
// mutated only on transport events and reconnection timer firing.
type ConnectionState struct {
	Status            ConnectionStatus
	ReconnectAttempts int
	LastConnectedAt   *time.Time
	LastError         string
}

// ConnectionStats counts traffic through the connection.
type ConnectionStats struct {
	MessagesSent       uint64
	MessagesReceived   uint64
	LastSuccessfulSync time.Time
}

// ConnectionConfig holds the connection manager knobs. Reconnection uses a
// fixed delay between attempts, matching the original behavior; exponential
// backoff was considered and not adopted.
type ConnectionConfig struct {
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

// DefaultConnectionConfig returns the default connection configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HeartbeatInterval:    30 * time.Second,
		ReconnectInterval:    3 * time.Second,
		MaxReconnectAttempts: 5,
	}
}

// Sender is the minimal outbound surface other components need from the
// connection manager.
type Sender interface {
	Send(msg any) error
}

// ConnectionManager owns the transport lifecycle: it dials through its
// Dialer, runs the heartbeat while connected, and applies the bounded
// fixed-delay reconnection policy on abnormal closes.
type ConnectionManager struct {
	dialer Dialer
	config ConnectionConfig
	clock  clockwork.Clock
	userID string

	mu            sync.RWMutex
	state         ConnectionState
	stats         ConnectionStats
	conn          Conn
	sessionCancel context.CancelFunc
	pendingCancel context.CancelFunc
	closed        bool

	handlers      []func(msg any)
	stateHandlers []func(state ConnectionState)
}

// NewConnectionManager creates a manager for the given user's session.
func NewConnectionManager(dialer Dialer, userID string, config ConnectionConfig, clock clockwork.Clock) *ConnectionManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ConnectionManager{
		dialer: dialer,
		config: config,
		clock:  clock,
		userID: userID,
		state:  ConnectionState{Status: StatusDisconnected},
	}
}

// OnMessage registers a handler for decoded inbound messages. Unknown
// message types are never delivered.
func (m *ConnectionManager) OnMessage(fn func(msg any)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// OnStateChange registers a handler invoked after every state transition.
func (m *ConnectionManager) OnStateChange(fn func(state ConnectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateHandlers = append(m.stateHandlers, fn)
}

// State returns a snapshot of the connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Stats returns a snapshot of the traffic counters.
func (m *ConnectionManager) Stats() ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// Connect opens the transport. It is a no-op when already connected or a
// connect is in flight. On open failure the state moves to Error and, while
// attempts remain, a reconnect is scheduled.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Status == StatusConnected || m.state.Status == StatusConnecting {
		m.mu.Unlock()
		return nil
	}
	// A manual connect supersedes any scheduled reconnect.
	if m.pendingCancel != nil {
		m.pendingCancel()
		m.pendingCancel = nil
	}
	m.closed = false
	m.setStateLocked(func(s *ConnectionState) {
		s.Status = StatusConnecting
	})
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		log.Error().Err(err).Msg("transport open failed")
		m.mu.Lock()
		m.setStateLocked(func(s *ConnectionState) {
			s.Status = StatusError
			s.LastError = err.Error()
		})
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		return err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	m.conn = conn
	m.sessionCancel = cancel
	now := m.clock.Now()
	m.setStateLocked(func(s *ConnectionState) {
		s.Status = StatusConnected
		s.ReconnectAttempts = 0
		s.LastConnectedAt = &now
		s.LastError = ""
	})
	m.mu.Unlock()

	go m.heartbeatLoop(sessionCtx)
	go m.readLoop(conn, cancel)

	log.Info().Str("user_id", m.userID).Msg("transport connected")
	return nil
}

// Disconnect performs a clean close: the heartbeat stops, any pending
// reconnect is cancelled, and the transport is closed with a normal-closure
// code so reconnection does not fire afterward.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	if m.pendingCancel != nil {
		m.pendingCancel()
		m.pendingCancel = nil
	}
	if m.sessionCancel != nil {
		m.sessionCancel()
		m.sessionCancel = nil
	}
	conn := m.conn
	m.conn = nil
	m.setStateLocked(func(s *ConnectionState) {
		s.Status = StatusDisconnected
	})
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.CloseNormalClosure, "client disconnect")
	}
	log.Info().Str("user_id", m.userID).Msg("transport disconnected")
}

// Send marshals and sends a message. Delivery is best-effort, at most once:
// when the transport is not open the message is dropped without error.
func (m *ConnectionManager) Send(msg any) error {
	m.mu.RLock()
	conn := m.conn
	status := m.state.Status
	m.mu.RUnlock()

	if status != StatusConnected || conn == nil {
		log.Debug().Str("user_id", m.userID).Msg("dropping outbound message while not connected")
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.Send(data); err != nil {
		log.Warn().Err(err).Msg("transport send failed")
		return err
	}

	m.mu.Lock()
	m.stats.MessagesSent++
	m.mu.Unlock()
	return nil
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = m.Send(HeartbeatMessage{
				Type:      MessageHeartbeat,
				UserID:    m.userID,
				Timestamp: m.clock.Now(),
			})
		}
	}
}

func (m *ConnectionManager) readLoop(conn Conn, sessionCancel context.CancelFunc) {
	for data := range conn.Frames() {
		m.mu.Lock()
		m.stats.MessagesReceived++
		m.stats.LastSuccessfulSync = m.clock.Now()
		handlers := make([]func(any), len(m.handlers))
		copy(handlers, m.handlers)
		m.mu.Unlock()

		msg, err := ParseMessage(data)
		if err != nil {
			log.Warn().Err(err).Msg("failed to decode inbound message")
			continue
		}
		if msg == nil {
			log.Debug().Msg("ignoring inbound message of unknown type")
			continue
		}
		for _, fn := range handlers {
			fn(msg)
		}
	}

	sessionCancel()
	event := conn.CloseEvent()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return // already torn down by Disconnect or replaced
	}
	m.conn = nil
	m.sessionCancel = nil

	if m.closed || event.Clean() {
		m.setStateLocked(func(s *ConnectionState) {
			s.Status = StatusDisconnected
		})
		return
	}

	log.Warn().Int("code", event.Code).Err(event.Err).Msg("transport closed abnormally")
	m.setStateLocked(func(s *ConnectionState) {
		s.Status = StatusError
		if event.Err != nil {
			s.LastError = event.Err.Error()
		}
	})
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the fixed-delay reconnect timer. Once the
// attempt budget is spent the state stays Error and no further connect is
// scheduled; the caller observes the terminal state through OnStateChange.
func (m *ConnectionManager) scheduleReconnectLocked() {
	if m.closed {
		return
	}
	if m.state.ReconnectAttempts >= m.config.MaxReconnectAttempts {
		log.Error().
			Int("attempts", m.state.ReconnectAttempts).
			Msg("reconnect attempts exhausted, giving up")
		m.setStateLocked(func(s *ConnectionState) {
			s.Status = StatusError
			s.LastError = "reconnect attempts exhausted"
		})
		return
	}

	m.setStateLocked(func(s *ConnectionState) {
		s.Status = StatusReconnecting
		s.ReconnectAttempts++
	})
	attempt := m.state.ReconnectAttempts

	ctx, cancel := context.WithCancel(context.Background())
	m.pendingCancel = cancel

	go func() {
		timer := m.clock.NewTimer(m.config.ReconnectInterval)
		defer timer.Stop()
		select {
		case <-timer.Chan():
			if ctx.Err() != nil {
				return
			}
		case <-ctx.Done():
			return
		}
		log.Info().Int("attempt", attempt).Msg("attempting reconnect")
		if err := m.Connect(context.Background()); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}
	}()
}

// setStateLocked mutates the state and notifies observers. Callers must hold
// m.mu; handlers are invoked on a fresh goroutine so they can safely call
// back into the manager.
func (m *ConnectionManager) setStateLocked(mutate func(s *ConnectionState)) {
	mutate(&m.state)
	snapshot := m.state
	for _, fn := range m.stateHandlers {
		go fn(snapshot)
	}
}
