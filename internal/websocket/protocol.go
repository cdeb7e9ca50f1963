package websocket

import (
	"encoding/json"
	"time"

	"github.com/observer/hirechat/internal/auth"
)

// Event types for client -> server
const (
	EventTypeAuth          = "auth"
	EventTypeAttach        = "attach"
	EventTypeDetach        = "detach"
	EventTypePublish       = "publish"
	EventTypePresenceEnter = "presence.enter"
	EventTypePresenceLeave = "presence.leave"
)

// Event types for server -> client
const (
	EventTypeError       = "error"
	EventTypeAuthSuccess = "auth.success"
	EventTypeAck         = "ack"
	EventTypeMessage     = "message"
	EventTypePresence    = "presence"
	EventTypeState       = "connection.state"
)

// Error codes carried in ErrorPayload
const (
	CodeInvalidMessage   = "invalid_message"
	CodeInvalidPayload   = "invalid_payload"
	CodeUnknownEvent     = "unknown_event"
	CodeAuthFailed       = "auth_failed"
	CodeNotAuthenticated = "not_authenticated"
	CodeClientMismatch   = "client_mismatch"
	CodeForbidden        = "forbidden"
	CodeDisconnected     = "disconnected"
	CodeRateLimited      = "rate_limited"
	CodeRequestFailed    = "request_failed"
)

// Message is the base WebSocket message envelope. ID is set by the client
// on requests and echoed on the matching ack or error.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewMessage creates a message with the current timestamp
func NewMessage(eventType string, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      eventType,
		Payload:   payloadBytes,
		Timestamp: time.Now(),
	}, nil
}

// Reply creates a response correlated with request id
func Reply(id, eventType string, payload interface{}) (*Message, error) {
	msg, err := NewMessage(eventType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// AuthPayload carries a signed token request from the token endpoint
type AuthPayload struct {
	TokenRequest *auth.TokenRequest `json:"token_request"`
}

// ChannelPayload names a channel to attach or detach. Presence selects the
// channel's presence stream instead of its messages.
type ChannelPayload struct {
	Channel  string `json:"channel"`
	Presence bool   `json:"presence,omitempty"`
}

// PublishPayload publishes Data as Event on Channel
type PublishPayload struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// ErrorPayload for error responses
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthSuccessPayload confirms successful authentication
type AuthSuccessPayload struct {
	ClientID   string `json:"client_id"`
	Capability string `json:"capability"`
	State      string `json:"state"`
}

// MessagePayload delivers a channel message
type MessagePayload struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	ClientID  string          `json:"client_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// PresencePayload delivers a presence action on a channel
type PresencePayload struct {
	Channel   string `json:"channel"`
	Action    string `json:"action"`
	ClientID  string `json:"client_id"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// StatePayload mirrors the gateway's broker connection state
type StatePayload struct {
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}
