package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/Wondergasper/connectify-core/internal/bus"
	"github.com/Wondergasper/connectify-core/internal/status"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Connected is published on the bus ("rt.connected") once the channel
// handshake completes and presence has been announced.
type Connected struct {
	UserID string
}

// Disconnected is published on the bus ("rt.disconnected") when the
// connection is lost or torn down.
type Disconnected struct {
	UserID string
}

// Manager owns the single shared channel connection, keyed by
// (userID, token). It multiplexes inbound events onto the bus and does
// not interpret payloads — interpretation is the sync engine's job.
type Manager struct {
	url     string
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *Conn
}

// NewManager creates a channel manager dialing the given websocket URL.
func NewManager(url string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		url:     url,
		bus:     b,
		machine: machine,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Ensure returns the live connection for (userID, token), creating it
// if needed. Either key component missing tears down any existing
// connection and returns nil — callers must treat nil as "not
// connected, try again once both values are available". A request for
// the same key as the live connection is a no-op returning it.
func (m *Manager) Ensure(ctx context.Context, userID, token string) (*Conn, error) {
	if userID == "" || token == "" {
		m.Teardown()
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		if m.conn.userID == userID && m.conn.token == token {
			return m.conn, nil
		}
		// Key changed: the old connection must die before a new one
		// may be created.
		m.closeLocked()
	}

	if err := m.machine.Transition(status.Connecting); err != nil {
		m.logger.Warn("unexpected channel state", zap.Error(err))
	}

	ws, resp, err := m.dialer.DialContext(ctx, m.url+"?token="+token, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		_ = m.machine.Transition(status.Disconnected)
		m.logger.Warn("channel dial failed", zap.Error(err))
		return nil, err
	}

	conn := &Conn{ws: ws, userID: userID, token: token}

	// Join the user-scoped broadcast group and announce presence so
	// server-side targeted events reach this client.
	if err := conn.Emit(cmdJoin, map[string]string{"userId": userID}); err != nil {
		conn.close()
		_ = m.machine.Transition(status.Disconnected)
		return nil, err
	}
	_ = conn.Emit(cmdSetOnline, nil)

	m.conn = conn
	_ = m.machine.Transition(status.Connected)
	m.publish("rt.connected", Connected{UserID: userID})
	m.logger.Info("channel connected", zap.String("user_id", userID))

	go m.readLoop(conn)

	return conn, nil
}

// Current returns the live connection, or nil when disconnected.
func (m *Manager) Current() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Teardown closes the connection and clears the shared instance so a
// later Ensure dials fresh.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeLocked()
}

// SendTyping emits a conversation-scoped typing indicator.
func (m *Manager) SendTyping(conversationID string, typing bool) error {
	conn := m.Current()
	if conn == nil {
		return nil
	}
	cmd := cmdTypingStart
	if !typing {
		cmd = cmdTypingStop
	}
	return conn.Emit(cmd, map[string]string{"conversationId": conversationID})
}

// SetPresence announces this client's own presence.
func (m *Manager) SetPresence(online bool) error {
	conn := m.Current()
	if conn == nil {
		return nil
	}
	cmd := cmdSetOnline
	if !online {
		cmd = cmdSetOffline
	}
	return conn.Emit(cmd, nil)
}

func (m *Manager) closeLocked() {
	if m.conn == nil {
		return
	}
	userID := m.conn.userID
	m.conn.close()
	m.conn = nil
	if m.machine.Current() != status.Disconnected {
		_ = m.machine.Transition(status.Disconnected)
	}
	m.publish("rt.disconnected", Disconnected{UserID: userID})
	m.logger.Info("channel disconnected", zap.String("user_id", userID))
}

// readLoop pumps inbound frames onto the bus until the connection dies.
// A malformed frame is logged and dropped; it must never end the loop,
// since later valid events still have to be processed.
func (m *Manager) readLoop(conn *Conn) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			m.dropDead(conn)
			return
		}

		evt, decErr := decodeEvent(data)
		if decErr != nil {
			m.logger.Warn("dropping malformed channel event", zap.Error(decErr))
			continue
		}
		m.dispatch(evt)
	}
}

// dispatch maps each member of the event union to its bus kind.
func (m *Manager) dispatch(evt Event) {
	switch e := evt.(type) {
	case NewMessage:
		m.publish("rt.message.new", e)
	case ConversationUpdated:
		m.publish("rt.conversation.updated", e)
	case UserTyping:
		m.publish("rt.typing.start", e)
	case UserStoppedTyping:
		m.publish("rt.typing.stop", e)
	case UserOnline:
		m.publish("rt.presence.online", e)
	case UserOffline:
		m.publish("rt.presence.offline", e)
	case UserStatusChanged:
		m.publish("rt.presence.status", e)
	}
}

// dropDead clears the shared instance after a read failure, but only if
// it is still the current connection — a replacement may already exist.
func (m *Manager) dropDead(conn *Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn {
		return
	}
	m.closeLocked()
}

func (m *Manager) publish(kind string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
