package realtime

import (
	"errors"
	"sync"
	"sync/atomic"

	"iotportal/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrConnectionClosed is returned for operations on a connection that is
	// gone. Delivery treats it the same as a connection that is not listening.
	ErrConnectionClosed = errors.New("realtime: connection closed")
	// ErrSlowConsumer means the connection's outbound mailbox is full.
	ErrSlowConsumer = errors.New("realtime: outbound mailbox full")
	ErrNoPrincipal  = errors.New("realtime: connection has no authenticated user")
)

type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Conn is one live connection. Frames queued for it are read from
// Outbound by the transport until Done is closed.
type Conn struct {
	id     string
	userID string
	state  atomic.Int32
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *Conn) ID() string { return c.id }
func (c *Conn) UserID() string { return c.userID }
func (c *Conn) State() State { return State(c.state.Load()) }
func (c *Conn) Outbound() <-chan []byte { return c.out }
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Manager owns connection lifetimes and is the only writer of the Registry.
type Manager struct {
	reg        *Registry
	log        *zap.Logger
	metrics    *Metrics
	sendBuffer int

	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewManager(reg *Registry, sendBuffer int, metrics *Metrics, log *zap.Logger) *Manager {
	if sendBuffer < 1 {
		sendBuffer = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Manager{
		reg:        reg,
		log:        logging.OrNop(log).Named("live"),
		metrics:    metrics,
		sendBuffer: sendBuffer,
		conns:      map[string]*Conn{},
	}
}

// Connect registers a new connection for userID and enrolls it in the
// user's owner group.
func (m *Manager) Connect(userID string) (*Conn, error) {
	if userID == "" {
		return nil, ErrNoPrincipal
	}
	c := &Conn{
		id:     uuid.NewString(),
		userID: userID,
		out:    make(chan []byte, m.sendBuffer),
		done:   make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	m.mu.Lock()
	m.conns[c.id] = c
	m.mu.Unlock()

	if err := m.reg.OnConnect(c.id, userID); err != nil {
		m.mu.Lock()
		delete(m.conns, c.id)
		m.mu.Unlock()
		return nil, err
	}
	c.state.Store(int32(StateConnected))
	m.metrics.Connections.Inc()
	m.log.Debug("connection opened", zap.String("conn_id", c.id), zap.String("user_id", userID))
	return c, nil
}

func (m *Manager) lookup(connID string) *Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[connID]
}

func (m *Manager) connected(connID string) (*Conn, error) {
	c := m.lookup(connID)
	if c == nil || c.State() != StateConnected {
		return nil, ErrConnectionClosed
	}
	return c, nil
}

func (m *Manager) Join(connID string, deviceID uuid.UUID) error {
	if _, err := m.connected(connID); err != nil {
		return err
	}
	m.metrics.Commands.WithLabelValues(CommandJoinDeviceGroup).Inc()
	if err := m.reg.Join(connID, deviceID); err != nil {
		// Lost a race with Disconnect.
		return ErrConnectionClosed
	}
	return nil
}

func (m *Manager) Leave(connID string, deviceID uuid.UUID) error {
	if _, err := m.connected(connID); err != nil {
		return err
	}
	m.metrics.Commands.WithLabelValues(CommandLeaveDeviceGroup).Inc()
	if err := m.reg.Leave(connID, deviceID); err != nil {
		return ErrConnectionClosed
	}
	return nil
}

// Send queues frame for connID without blocking.
func (m *Manager) Send(connID string, frame []byte) error {
	c := m.lookup(connID)
	if c == nil {
		return ErrConnectionClosed
	}
	return c.enqueue(frame)
}

// Disconnect moves the connection to its terminal state and removes every
// group membership. Network closure, explicit close and protocol errors all
// end here; only the first call has an effect.
func (m *Manager) Disconnect(connID string) {
	c := m.lookup(connID)
	if c == nil {
		return
	}
	c.once.Do(func() {
		c.state.Store(int32(StateDisconnected))
		m.reg.OnDisconnect(connID)

		m.mu.Lock()
		delete(m.conns, connID)
		m.mu.Unlock()

		close(c.done)
		m.metrics.Connections.Dec()
		m.log.Debug("connection closed", zap.String("conn_id", connID), zap.String("user_id", c.userID))
	})
}

// Count returns the number of connections not yet disconnected.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll disconnects every connection, used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}
