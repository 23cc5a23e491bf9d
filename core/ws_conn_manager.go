package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	defaultMaxMessageSize = 4096
)

type ConnIDGenerator interface {
	Generate(r *http.Request) (string, error)
}

// UUIDConnIDGenerator gives every connection a random UUID.
type UUIDConnIDGenerator struct{}

func (UUIDConnIDGenerator) Generate(_ *http.Request) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate connection id: %w", err)
	}
	return id.String(), nil
}

// ConnManager accepts websocket connections and funnels their inbound events,
// followed by a DisconnectEvent once a connection is gone, into one stream.
type ConnManager struct {
	conns       *SyncMap[string, *Conn]
	connWg      *sync.WaitGroup
	context     context.Context
	logger      *slog.Logger
	idGenerator ConnIDGenerator

	onConnectionOpened func(string)
	onConnectionClosed func(string)

	receivedEvent chan *Event

	upgrader        websocket.Upgrader
	ReadStreamSize  int
	WriteStreamSize int
	MaxMessageSize  int64
}

var defaultUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Delegate the check to CORS middleware
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithIDGenerator(g ConnIDGenerator) ManagerOption {
	return func(m *ConnManager) {
		m.idGenerator = g
	}
}

// WithStreamSizes sets the capacity of the shared inbound stream and of each
// connection's outbound stream.
func WithStreamSizes(read, write int) ManagerOption {
	return func(m *ConnManager) {
		if read > 0 {
			m.ReadStreamSize = read
		}
		if write > 0 {
			m.WriteStreamSize = write
		}
	}
}

func WithMaxMessageSize(n int64) ManagerOption {
	return func(m *ConnManager) {
		if n > 0 {
			m.MaxMessageSize = n
		}
	}
}

func NewConnManager(context context.Context, wg *sync.WaitGroup, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		connWg:             wg,
		conns:              NewSyncMap[string, *Conn](),
		logger:             logger,
		context:            context,
		idGenerator:        UUIDConnIDGenerator{},
		upgrader:           defaultUpgrader,
		ReadStreamSize:     256,
		WriteStreamSize:    64,
		MaxMessageSize:     defaultMaxMessageSize,
		onConnectionOpened: func(string) {},
		onConnectionClosed: func(string) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan *Event, m.ReadStreamSize)

	return m
}

func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvent
}

func (m *ConnManager) OnConnectionOpened(f func(string)) {
	m.onConnectionOpened = f
}

func (m *ConnManager) OnConnectionClosed(f func(string)) {
	m.onConnectionClosed = f
}

// Count returns the number of open connections.
func (m *ConnManager) Count() int {
	return m.conns.Len()
}

// Connect upgrades the request to a websocket connection and starts its read
// and write loops. It returns the ID of the new connection.
func (m *ConnManager) Connect(w http.ResponseWriter, r *http.Request) (string, error) {
	id, err := m.idGenerator.Generate(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return "", err
	}

	// Upgrade replies to the client on failure.
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return "", fmt.Errorf("upgrade: %w", err)
	}

	wsConn := &Conn{
		id:             id,
		conn:           conn,
		context:        m.context,
		writeStream:    make(chan *Event, m.WriteStreamSize),
		readStream:     m.receivedEvent,
		closing:        make(chan struct{}),
		ticker:         time.NewTicker(pingPeriod),
		maxMessageSize: m.MaxMessageSize,
		logger:         m.logger.With(slog.String("connection", id)),
		notifyDisconnect: func() {
			m.disconnect(id)
		},
	}
	m.conns.Store(id, wsConn)

	m.connWg.Add(2)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	m.onConnectionOpened(id)
	return id, nil
}

func (m *ConnManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, err := m.Connect(w, r); err != nil {
		m.logger.Warn(fmt.Sprintf("connect: %v", err))
	}
}

// disconnect removes the connection and, after the last event the connection
// delivered, pushes a DisconnectEvent onto the stream. It must only be called
// from the connection's read loop so that ordering holds.
func (m *ConnManager) disconnect(id string) {
	c, ok := m.conns.LoadAndDelete(id)
	if !ok {
		return
	}
	c.close()

	select {
	case m.receivedEvent <- &Event{Type: DisconnectEvent, Channel: id, ReceivedAt: time.Now()}:
	case <-m.context.Done():
	}
	m.onConnectionClosed(id)
}

// SendTo queues the event on each channel's write stream. A connection that
// cannot keep up is closed; its disconnect follows on the event stream.
func (m *ConnManager) SendTo(e *Event, channels ...string) {
	for _, id := range channels {
		c, ok := m.conns.Load(id)
		if !ok {
			continue
		}
		if !c.send(e) {
			c.logger.Warn("write stream full or closing, dropping connection")
			c.close()
		}
	}
}

// Close asks every connection to close. It does not wait; use the wait group
// passed to NewConnManager for that.
func (m *ConnManager) Close() {
	m.conns.RRange(func(_ string, c *Conn) bool {
		c.close()
		return true
	})
}
