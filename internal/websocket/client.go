package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/metrics"
	"github.com/observer/hirechat/internal/realtime"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer (64KB for file message metadata)
	maxMessageSize = 65536
)

// Client represents a connected WebSocket client. After auth it owns one
// broker connection acting as the token request's client id.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	clientID string
	handle   int64
	tokens   *tokenHolder
	broker   realtime.Conn
	channels map[string]bool // attached channel names
	limiter  *rate.Limiter
	closed   bool
	mu       sync.RWMutex
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewClient creates a new client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, 256),
		channels: make(map[string]bool),
		limiter:  hub.newLimiter(),
		logger:   logger,
		ctx:      context.Background(),
	}
}

// SetContext sets the connection lifecycle context and its cancel function
func (c *Client) SetContext(ctx context.Context, cancel context.CancelFunc) {
	c.ctx = ctx
	c.cancel = cancel
}

// setSession records the authenticated identity and its broker connection
func (c *Client) setSession(clientID string, handle int64, tokens *tokenHolder, broker realtime.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = clientID
	c.handle = handle
	c.tokens = tokens
	c.broker = broker
}

// ClientID returns the authenticated client id
func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Handle returns the authenticated participant handle
func (c *Client) Handle() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle
}

// IsAuthenticated returns true if the client has authenticated
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.broker != nil
}

func (c *Client) brokerConn() realtime.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.broker
}

// markAttached records an attached channel
func (c *Client) markAttached(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.channels[channel] {
		c.channels[channel] = true
		metrics.GatewayAttachedChannels.Inc()
	}
}

// markDetached forgets a channel
func (c *Client) markDetached(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[channel] {
		delete(c.channels, channel)
		metrics.GatewayAttachedChannels.Dec()
	}
}

// IsAttached checks if client is attached to a channel
func (c *Client) IsAttached(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channels[channel]
}

// Channels returns all channels the client is attached to
func (c *Client) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	channels := make([]string, 0, len(c.channels))
	for name := range c.channels {
		channels = append(channels, name)
	}
	return channels
}

// closeBroker closes the broker connection, if any
func (c *Client) closeBroker() {
	c.mu.Lock()
	broker := c.broker
	c.broker = nil
	metrics.GatewayAttachedChannels.Sub(float64(len(c.channels)))
	c.channels = make(map[string]bool)
	c.mu.Unlock()

	if broker != nil {
		_ = broker.Close()
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.logger.Warn("websocket read error", "error", err, "client_id", c.ClientID())
				}
				return
			}

			// Parse message
			var msg Message
			if err := json.Unmarshal(message, &msg); err != nil {
				c.sendError("", CodeInvalidMessage, "Failed to parse message")
				continue
			}

			// Handle message
			c.hub.HandleMessage(c, &msg)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send sends a message to the client
func (c *Client) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, drop message
		metrics.GatewayDroppedFrames.Inc()
		c.logger.Warn("client send buffer full, dropping message", "client_id", c.clientID, "type", msg.Type)
	}
	return nil
}

// closeSend closes the send channel; later sends are dropped
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// sendAck confirms request id
func (c *Client) sendAck(id string) {
	msg, _ := Reply(id, EventTypeAck, struct{}{})
	_ = c.Send(msg)
}

// sendError sends an error message to the client
func (c *Client) sendError(id, code, message string) {
	msg, _ := Reply(id, EventTypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
	_ = c.Send(msg)
}

// tokenHolder serves the latest token request a client presented. The
// broker connection asks for it on every (re)connect.
type tokenHolder struct {
	mu  sync.Mutex
	req *auth.TokenRequest
}

func (h *tokenHolder) set(req *auth.TokenRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.req = req
}

func (h *tokenHolder) Request(ctx context.Context) (*auth.TokenRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.req, nil
}
