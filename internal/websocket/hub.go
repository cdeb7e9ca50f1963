package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/metrics"
	"github.com/observer/hirechat/internal/realtime"
)

// HubConfig tunes per-client behaviour
type HubConfig struct {
	// PublishesPerMin caps publish requests per client; 0 disables the cap
	PublishesPerMin int
	// RetryTimeout is the broker reconnect backoff for client sessions
	RetryTimeout time.Duration
}

// Hub maintains the set of active clients and bridges them to the broker
type Hub struct {
	// Authenticated clients by client ID (one identity can have multiple connections)
	clients map[string]map[*Client]bool

	// Channel for registering clients
	register chan *Client

	// Channel for unregistering clients
	unregister chan *Client

	// Mutex for thread-safe access
	mu sync.RWMutex

	// Dependencies
	dialer realtime.Dialer
	tokens *auth.TokenService
	config HubConfig
	logger *slog.Logger
}

// NewHub creates a new Hub
func NewHub(dialer realtime.Dialer, tokens *auth.TokenService, config HubConfig, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dialer:     dialer,
		tokens:     tokens,
		config:     config,
		logger:     logger.With("component", "ws_hub"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.config.PublishesPerMin <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	perMin := h.config.PublishesPerMin
	return rate.NewLimiter(rate.Limit(float64(perMin)/60.0), max(perMin/10, 5))
}

func (h *Hub) handleRegister(client *Client) {
	metrics.GatewayClients.Inc()
	// Client not authenticated yet, just track it
	h.logger.Debug("client connected", "remote_addr", client.conn.RemoteAddr())
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	clientID := client.ClientID()
	if clientID != "" {
		if clients, ok := h.clients[clientID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.clients, clientID)
			}
		}
	}
	h.mu.Unlock()

	channels := client.Channels()
	client.closeBroker()
	if client.cancel != nil {
		client.cancel()
	}
	client.closeSend()
	metrics.GatewayClients.Dec()
	h.logger.Debug("client disconnected", "client_id", clientID, "channels", len(channels))
}

// HandleMessage processes incoming WebSocket messages
func (h *Hub) HandleMessage(client *Client, msg *Message) {
	switch msg.Type {
	case EventTypeAuth:
		h.handleAuth(client, msg)
	case EventTypeAttach:
		h.handleAttach(client, msg)
	case EventTypeDetach:
		h.handleDetach(client, msg)
	case EventTypePublish:
		h.handlePublish(client, msg)
	case EventTypePresenceEnter:
		h.handlePresence(client, msg, true)
	case EventTypePresenceLeave:
		h.handlePresence(client, msg, false)
	default:
		client.sendError(msg.ID, CodeUnknownEvent, "Unknown event type: "+msg.Type)
	}
}

func (h *Hub) handleAuth(client *Client, msg *Message) {
	var p AuthPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.TokenRequest == nil {
		client.sendError(msg.ID, CodeInvalidPayload, "Invalid auth payload")
		return
	}

	claims, err := h.tokens.VerifyTokenRequest(p.TokenRequest)
	if err != nil {
		client.sendError(msg.ID, CodeAuthFailed, "Invalid or expired token request")
		return
	}

	// Re-auth refreshes the token used for broker reconnects
	if client.IsAuthenticated() {
		if client.ClientID() != p.TokenRequest.ClientID {
			client.sendError(msg.ID, CodeClientMismatch, "Connection is bound to another client")
			return
		}
		client.tokens.set(p.TokenRequest)
		h.sendAuthSuccess(client, msg.ID, p.TokenRequest, client.brokerConn().State())
		return
	}

	tokens := &tokenHolder{}
	tokens.set(p.TokenRequest)

	conn, err := h.dialer.Dial(client.ctx, realtime.Options{
		ClientID:                 p.TokenRequest.ClientID,
		Auth:                     tokens,
		DisconnectedRetryTimeout: h.config.RetryTimeout,
	})
	if err != nil {
		h.logger.Error("broker dial failed", "client_id", p.TokenRequest.ClientID, "error", err)
		client.sendError(msg.ID, CodeRequestFailed, "Broker unavailable")
		return
	}

	conn.OnStateChange(func(change realtime.StateChange) {
		payload := StatePayload{State: string(change.Current)}
		if change.Reason != nil {
			payload.Reason = change.Reason.Error()
		}
		if m, err := NewMessage(EventTypeState, payload); err == nil {
			_ = client.Send(m)
		}
	})

	if err := conn.Connect(client.ctx); err != nil && !errors.Is(err, realtime.ErrDisconnected) {
		_ = conn.Close()
		h.logger.Warn("broker connect failed", "client_id", p.TokenRequest.ClientID, "error", err)
		client.sendError(msg.ID, CodeAuthFailed, "Broker rejected token request")
		return
	}

	client.setSession(p.TokenRequest.ClientID, claims.Handle, tokens, conn)

	h.mu.Lock()
	if h.clients[p.TokenRequest.ClientID] == nil {
		h.clients[p.TokenRequest.ClientID] = make(map[*Client]bool)
	}
	h.clients[p.TokenRequest.ClientID][client] = true
	h.mu.Unlock()

	h.sendAuthSuccess(client, msg.ID, p.TokenRequest, conn.State())
	h.logger.Info("client authenticated", "client_id", p.TokenRequest.ClientID, "role", claims.Role)
}

func (h *Hub) sendAuthSuccess(client *Client, id string, req *auth.TokenRequest, state realtime.State) {
	m, _ := Reply(id, EventTypeAuthSuccess, AuthSuccessPayload{
		ClientID:   req.ClientID,
		Capability: req.Capability,
		State:      string(state),
	})
	_ = client.Send(m)
}

func (h *Hub) handleAttach(client *Client, msg *Message) {
	conn, ok := h.requireAuth(client, msg)
	if !ok {
		return
	}

	var p ChannelPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Channel == "" {
		client.sendError(msg.ID, CodeInvalidPayload, "Invalid attach payload")
		return
	}

	ch := conn.Channel(p.Channel)
	var err error
	if p.Presence {
		err = ch.Presence().Subscribe(client.ctx, func(pm realtime.PresenceMessage) {
			m, err := NewMessage(EventTypePresence, PresencePayload{
				Channel:   p.Channel,
				Action:    string(pm.Action),
				ClientID:  pm.ClientID,
				Timestamp: pm.Timestamp,
			})
			if err == nil {
				_ = client.Send(m)
			}
		})
	} else {
		err = ch.Subscribe(client.ctx, func(rm realtime.Message) {
			m, err := NewMessage(EventTypeMessage, MessagePayload{
				Channel:   p.Channel,
				Event:     rm.Name,
				Data:      json.RawMessage(rm.Data),
				ClientID:  rm.ClientID,
				Timestamp: rm.Timestamp,
			})
			if err == nil {
				_ = client.Send(m)
			}
		})
	}
	if err != nil {
		if !p.Presence {
			ch.Unsubscribe()
		}
		h.replyError(client, msg.ID, "attach", p.Channel, err)
		return
	}

	client.markAttached(p.Channel)
	client.sendAck(msg.ID)
	h.logger.Debug("client attached", "client_id", client.ClientID(), "channel", p.Channel, "presence", p.Presence)
}

func (h *Hub) handleDetach(client *Client, msg *Message) {
	conn, ok := h.requireAuth(client, msg)
	if !ok {
		return
	}

	var p ChannelPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Channel == "" {
		client.sendError(msg.ID, CodeInvalidPayload, "Invalid detach payload")
		return
	}

	// Nothing to tear down for a channel this client never attached
	if !client.IsAttached(p.Channel) {
		client.sendAck(msg.ID)
		return
	}

	if err := conn.Channel(p.Channel).Detach(client.ctx); err != nil {
		h.replyError(client, msg.ID, "detach", p.Channel, err)
		return
	}
	client.markDetached(p.Channel)
	client.sendAck(msg.ID)
}

func (h *Hub) handlePublish(client *Client, msg *Message) {
	conn, ok := h.requireAuth(client, msg)
	if !ok {
		return
	}

	var p PublishPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Channel == "" || p.Event == "" {
		client.sendError(msg.ID, CodeInvalidPayload, "Invalid publish payload")
		return
	}

	if !client.limiter.Allow() {
		metrics.RateLimitHits.WithLabelValues("ws_publish").Inc()
		client.sendError(msg.ID, CodeRateLimited, "Publish rate limit exceeded")
		return
	}

	if err := conn.Channel(p.Channel).Publish(client.ctx, p.Event, p.Data); err != nil {
		h.replyError(client, msg.ID, "publish", p.Channel, err)
		return
	}
	client.sendAck(msg.ID)
}

func (h *Hub) handlePresence(client *Client, msg *Message, enter bool) {
	conn, ok := h.requireAuth(client, msg)
	if !ok {
		return
	}

	var p ChannelPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Channel == "" {
		client.sendError(msg.ID, CodeInvalidPayload, "Invalid presence payload")
		return
	}

	presence := conn.Channel(p.Channel).Presence()
	var err error
	if enter {
		err = presence.Enter(client.ctx)
	} else {
		err = presence.Leave(client.ctx)
	}
	if err != nil {
		h.replyError(client, msg.ID, msg.Type, p.Channel, err)
		return
	}
	client.sendAck(msg.ID)
}

func (h *Hub) requireAuth(client *Client, msg *Message) (realtime.Conn, bool) {
	conn := client.brokerConn()
	if conn == nil {
		client.sendError(msg.ID, CodeNotAuthenticated, "Must authenticate first")
		return nil, false
	}
	return conn, true
}

// replyError maps broker errors onto protocol error codes
func (h *Hub) replyError(client *Client, id, op, channel string, err error) {
	code := CodeRequestFailed
	switch {
	case errors.Is(err, domain.ErrForbidden):
		code = CodeForbidden
	case errors.Is(err, realtime.ErrDisconnected), errors.Is(err, realtime.ErrClosed), errors.Is(err, realtime.ErrFailed):
		code = CodeDisconnected
	}
	h.logger.Debug("request failed", "client_id", client.ClientID(), "op", op, "channel", channel, "error", err)
	client.sendError(id, code, err.Error())
}

// OnlineClientIDs returns IDs of all authenticated clients
func (h *Hub) OnlineClientIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// IsClientOnline checks if a client id has any active connections
func (h *Hub) IsClientOnline(clientID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.clients[clientID]
	return ok && len(clients) > 0
}
