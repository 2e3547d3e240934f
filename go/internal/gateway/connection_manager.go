package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/duowheel/duowheel/go/internal/couple"
	"github.com/duowheel/duowheel/go/internal/models"
)

// ConnectionManager manages websocket connections per couple id and bridges
// the engine's change feed to them: the first connection for a couple opens
// one engine subscription, the last one closing releases it.
type ConnectionManager struct {
	app *couple.App

	mu                sync.RWMutex
	coupleConnections map[string]map[*Connection]bool
	coupleFeeds       map[string]*coupleFeed

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

// coupleFeed tracks the engine subscription backing a couple's connections.
type coupleFeed struct {
	unsubscribe func()
	mu          sync.Mutex
	prev        *models.CoupleSession
}

// Connection represents a websocket connection to one participant's client.
type Connection struct {
	ID       string
	UserName string
	CoupleID string
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	ConnectedAt time.Time
	LastPing    time.Time

	// done signals the pumps to exit. Send is never closed: the broadcast
	// goroutine may still hold a reference to the connection after it
	// unregisters, and a send on a closed channel would panic it.
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(cm *ConnectionManager, conn *websocket.Conn, userName, coupleID string) *Connection {
	return &Connection{
		ID:          uuid.New().String(),
		UserName:    userName,
		CoupleID:    coupleID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		done:        make(chan struct{}),
	}
}

// shutdown signals both pumps. Idempotent.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// ConnectionConfig holds configuration for websocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage represents a message to broadcast to connections.
type BroadcastMessage struct {
	CoupleID string
	Event    *SessionEvent
	UserName string // Optional: if set, only send to this participant
}

// DefaultConnectionConfig returns default websocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a websocket connection manager bridged to
// the couple engine.
func NewConnectionManager(app *couple.App, config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		app:               app,
		coupleConnections: make(map[string]map[*Connection]bool),
		coupleFeeds:       make(map[string]*coupleFeed),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
	}
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to a websocket and wires it
// into the couple's pool.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userName, coupleID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := newConnection(cm, conn, userName, coupleID)

	if err := cm.registerConnection(connection); err != nil {
		conn.Close()
		return err
	}

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_name", userName).
		Str("couple_id", coupleID).
		Msg("websocket connection established")

	return nil
}

// registerConnection adds a connection and ensures the couple's engine
// subscription exists.
func (cm *ConnectionManager) registerConnection(conn *Connection) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.coupleConnections[conn.CoupleID] == nil {
		cm.coupleConnections[conn.CoupleID] = make(map[*Connection]bool)
	}
	cm.coupleConnections[conn.CoupleID][conn] = true

	if _, ok := cm.coupleFeeds[conn.CoupleID]; !ok {
		feed := &coupleFeed{}
		coupleID := conn.CoupleID
		unsub, err := cm.app.Subscribe(context.Background(), coupleID, func(sess *models.CoupleSession) {
			cm.onSessionChange(feed, coupleID, sess)
		})
		if err != nil {
			delete(cm.coupleConnections[coupleID], conn)
			return fmt.Errorf("failed to subscribe to couple session: %w", err)
		}
		feed.unsubscribe = unsub
		cm.coupleFeeds[coupleID] = feed
	}

	log.Debug().
		Str("connection_id", conn.ID).
		Str("couple_id", conn.CoupleID).
		Int("total_connections", len(cm.coupleConnections[conn.CoupleID])).
		Msg("connection registered")
	return nil
}

// unregisterConnection removes a connection and releases the couple's
// engine subscription when the pool empties.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, exists := cm.coupleConnections[conn.CoupleID]
	if !exists {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}
	delete(connections, conn)
	conn.shutdown()

	if len(connections) == 0 {
		delete(cm.coupleConnections, conn.CoupleID)
		if feed, ok := cm.coupleFeeds[conn.CoupleID]; ok {
			feed.unsubscribe()
			delete(cm.coupleFeeds, conn.CoupleID)
		}
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_name", conn.UserName).
		Str("couple_id", conn.CoupleID).
		Msg("connection unregistered")
}

// onSessionChange converts an engine snapshot into a typed event and queues
// it for broadcast.
func (cm *ConnectionManager) onSessionChange(feed *coupleFeed, coupleID string, sess *models.CoupleSession) {
	feed.mu.Lock()
	eventType := classifyChange(feed.prev, sess)
	feed.prev = sess
	feed.mu.Unlock()

	event := &SessionEvent{
		ID:        uuid.New().String(),
		CoupleID:  coupleID,
		Type:      eventType,
		Timestamp: time.Now(),
		Session:   sess,
	}

	select {
	case cm.broadcastCh <- BroadcastMessage{CoupleID: coupleID, Event: event}:
	default:
		log.Warn().Str("couple_id", coupleID).Msg("broadcast channel full, dropping message")
	}
}

// BroadcastToCouple sends an event to all connections for a couple.
func (cm *ConnectionManager) BroadcastToCouple(coupleID string, event *SessionEvent) {
	select {
	case cm.broadcastCh <- BroadcastMessage{CoupleID: coupleID, Event: event}:
	default:
		log.Warn().Str("couple_id", coupleID).Msg("broadcast channel full, dropping message")
	}
}

// handleBroadcast processes a broadcast message.
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.coupleConnections[message.CoupleID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	var targetConnections []*Connection
	for conn := range connections {
		if message.UserName != "" && conn.UserName != message.UserName {
			continue
		}
		targetConnections = append(targetConnections, conn)
	}
	cm.mu.RUnlock()

	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targetConnections {
		select {
		case conn.Send <- eventData:
		case <-conn.done:
			// Unregistered between the pool snapshot and the send.
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("user_name", conn.UserName).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("couple_id", message.CoupleID).
		Int("connections", len(targetConnections)).
		Msg("event broadcasted")
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() (total int, couples int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, connections := range cm.coupleConnections {
		total += len(connections)
	}
	return total, len(cm.coupleConnections)
}

// writePump handles sending messages to the websocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the websocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected websocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the client. Clients
// drive all mutations through the HTTP API; inbound websocket traffic is
// only logged.
func (c *Connection) handleClientMessage(message []byte) {
	log.Debug().
		Str("connection_id", c.ID).
		Str("user_name", c.UserName).
		RawJSON("message", message).
		Msg("received client message")
}
