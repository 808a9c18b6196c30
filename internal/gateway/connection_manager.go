package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/pomosync/internal/protocol"
	"github.com/mcdev12/pomosync/internal/session"
	"github.com/rs/zerolog/log"
)

// MessageBroker is what the transport adapter needs from the session broker.
type MessageBroker interface {
	HandleMessage(sock session.Socket, data []byte)
	RemoveClient(sock session.Socket)
	Lookup(sessionID string) *protocol.SessionPublic
	Stats() (sessions, connections int)
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns the default WebSocket configuration. The
// ping interval is the liveness probe period; a connection that misses two
// probes exceeds the read timeout and is terminated.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     2 * protocol.SocketTimeout,
		PingInterval:    protocol.SocketTimeout,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// The broker is permissionless; origins are not restricted.
			return true
		},
	}
}

// ConnectionManager owns every live WebSocket connection and routes inbound
// frames to the broker. The broker never touches a *websocket.Conn directly;
// it sees connections only through the session.Socket interface.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection

	upgrader websocket.Upgrader
	config   ConnectionConfig
	broker   MessageBroker
}

// NewConnectionManager creates a connection manager bound to a broker.
func NewConnectionManager(config ConnectionConfig, broker MessageBroker) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		broker: broker,
	}
}

// Connection is one full-duplex text-frame connection. It implements
// session.Socket; Send never blocks the broker.
type Connection struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	manager *ConnectionManager

	mu     sync.Mutex
	open   bool
	closed bool

	connectedAt time.Time
	lastPing    time.Time
}

// ID returns the per-connection socket id.
func (c *Connection) ID() string { return c.id }

// IsOpen reports whether the connection can still accept frames.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Send queues one outbound frame. A peer whose send buffer is full is
// considered dead and is closed rather than allowed to stall the broker.
func (c *Connection) Send(data []byte) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
	default:
		// Mark closed here; the teardown runs outside the broker's session
		// lock, which the caller may hold.
		c.open = false
		c.mu.Unlock()
		log.Warn().Str("socket_id", c.id).Msg("send buffer full, closing slow connection")
		go func() {
			c.manager.unregister(c)
			c.conn.Close()
		}()
	}
}

// Close terminates the connection.
func (c *Connection) Close() {
	c.manager.unregister(c)
	c.conn.Close()
}

// UpgradeConnection upgrades an HTTP request to a WebSocket connection and
// starts its pumps.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return err
	}

	connection := &Connection{
		id:          session.NewSocketID(),
		conn:        conn,
		send:        make(chan []byte, 256),
		manager:     cm,
		open:        true,
		connectedAt: cm.now(),
		lastPing:    cm.now(),
	}

	cm.mu.Lock()
	cm.connections[connection.id] = connection
	cm.mu.Unlock()

	go connection.writePump()
	go connection.readPump()

	log.Info().Str("socket_id", connection.id).Msg("WebSocket connection established")
	return nil
}

func (cm *ConnectionManager) now() time.Time {
	return time.Now()
}

// unregister removes a connection from the pool and marks it closed. Safe to
// call more than once.
func (cm *ConnectionManager) unregister(c *Connection) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	c.mu.Unlock()

	cm.mu.Lock()
	delete(cm.connections, c.id)
	cm.mu.Unlock()

	close(c.send)
	cm.broker.RemoveClient(c)

	log.Info().
		Str("socket_id", c.id).
		Dur("connected", time.Since(c.connectedAt)).
		Msg("connection unregistered")
}

// Len returns the number of live connections.
func (cm *ConnectionManager) Len() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.connections)
}

// Shutdown closes every connection with a normal-closure frame.
func (cm *ConnectionManager) Shutdown(ctx context.Context) {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for _, c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	deadline := time.Now().Add(cm.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for _, c := range conns {
		c.conn.SetWriteDeadline(deadline)
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutting down"))
		c.Close()
	}
	log.Info().Int("connections", len(conns)).Msg("connection manager shut down")
}

// writePump drains the send queue and runs the liveness ping.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.manager.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("socket_id", c.id).Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("socket_id", c.id).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump parses inbound frames and hands them to the broker. A pong resets
// the liveness deadline; a peer that stops answering times out.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.manager.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("socket_id", c.id).Msg("unexpected WebSocket close error")
			}
			break
		}
		c.manager.broker.HandleMessage(c, message)
		c.conn.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
