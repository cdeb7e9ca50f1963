// Package realtime defines the client transport used by chat sessions:
// an authenticated connection with named channels, event publishing and
// presence. BrokerDialer runs it in-process over a pubsub.PubSub; the
// websocket package provides a remote implementation against the gateway.
package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/hirechat/internal/auth"
)

// State of a transport connection
type State string

const (
	StateInitializing State = "initializing"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// DefaultRetryTimeout is the reconnect backoff after a disconnection
const DefaultRetryTimeout = 5 * time.Second

var (
	// ErrDisconnected reports a transient loss of connectivity. The
	// transport keeps retrying on its own.
	ErrDisconnected = errors.New("realtime: disconnected")
	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("realtime: connection closed")
	// ErrFailed reports a terminal connection failure.
	ErrFailed = errors.New("realtime: connection failed")
)

// StateChange is delivered to state listeners on every transition.
type StateChange struct {
	Previous State
	Current  State
	Reason   error
}

// Message is an event received on a channel.
type Message struct {
	Name      string
	Data      []byte
	ClientID  string
	Timestamp int64
}

type PresenceAction string

const (
	PresenceEnter   PresenceAction = "enter"
	PresenceLeave   PresenceAction = "leave"
	PresenceUpdate  PresenceAction = "update"
	PresencePresent PresenceAction = "present"
)

// PresenceMessage reports a member's presence on a channel.
type PresenceMessage struct {
	Action    PresenceAction
	ClientID  string
	Timestamp int64
}

// Options configure a connection.
type Options struct {
	ClientID                 string
	Auth                     auth.TokenProvider
	DisconnectedRetryTimeout time.Duration
}

// Validate checks the options required by every transport.
func (o Options) Validate() error {
	if o.ClientID == "" {
		return errors.New("realtime: client id is required")
	}
	if o.Auth == nil {
		return errors.New("realtime: auth provider is required")
	}
	return nil
}

// RetryTimeout returns the reconnect backoff, defaulting to DefaultRetryTimeout.
func (o Options) RetryTimeout() time.Duration {
	if o.DisconnectedRetryTimeout <= 0 {
		return DefaultRetryTimeout
	}
	return o.DisconnectedRetryTimeout
}

// Dialer creates connections.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Conn, error)
}

// Conn is an authenticated transport connection.
type Conn interface {
	// Connect performs the first connection attempt. It returns nil once
	// connected, ErrDisconnected when the attempt failed transiently and a
	// retry is scheduled, or an error wrapping ErrFailed.
	Connect(ctx context.Context) error
	State() State
	// OnStateChange registers a listener and returns a function removing it.
	OnStateChange(fn func(StateChange)) (remove func())
	// Channel returns the channel with this name, creating it if needed.
	Channel(name string) Channel
	Close() error
}

// Channel is a named topic on a connection. Subscriptions survive
// reconnects; the transport reattaches them.
type Channel interface {
	Name() string
	Subscribe(ctx context.Context, handler func(Message)) error
	Unsubscribe()
	Publish(ctx context.Context, event string, data []byte) error
	Presence() Presence
	Detach(ctx context.Context) error
}

// Presence is the presence set of a channel.
type Presence interface {
	Subscribe(ctx context.Context, handler func(PresenceMessage)) error
	Enter(ctx context.Context) error
	Leave(ctx context.Context) error
}

// StateMachine tracks a connection state and notifies listeners in
// transition order. Listeners run outside the state lock so they may call
// back into the connection.
type StateMachine struct {
	notifyMu  sync.Mutex
	mu        sync.Mutex
	state     State
	nextID    uint64
	listeners map[uint64]func(StateChange)
	order     []uint64
	logger    *slog.Logger
}

func NewStateMachine(logger *slog.Logger) *StateMachine {
	return &StateMachine{
		state:     StateInitializing,
		listeners: make(map[uint64]func(StateChange)),
		logger:    logger,
	}
}

func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *StateMachine) OnStateChange(fn func(StateChange)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
}

// Set moves to next. Transitions out of closed are ignored, as are
// transitions to the current state. Reports whether a transition happened.
func (m *StateMachine) Set(next State, reason error) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	prev := m.state
	if prev == next || prev == StateClosed {
		m.mu.Unlock()
		return false
	}
	m.state = next
	listeners := make([]func(StateChange), 0, len(m.order))
	for _, id := range m.order {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Debug("connection state changed", "from", prev, "to", next, "reason", reason)
	}

	change := StateChange{Previous: prev, Current: next, Reason: reason}
	for _, fn := range listeners {
		m.notify(fn, change)
	}
	return true
}

func (m *StateMachine) notify(fn func(StateChange), change StateChange) {
	defer func() {
		if r := recover(); r != nil && m.logger != nil {
			m.logger.Error("state listener panicked", "panic", r, "state", change.Current)
		}
	}()
	fn(change)
}
