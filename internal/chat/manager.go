// Package chat implements the chat session core: a connection session
// owning the transport, a single-identity Manager and a MultiPublisherManager
// letting one administrator operate as several publishers in turn.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/envelope"
	"github.com/observer/hirechat/internal/metrics"
	"github.com/observer/hirechat/internal/pubsub"
	"github.com/observer/hirechat/internal/realtime"
)

type config struct {
	logger       *slog.Logger
	retryTimeout time.Duration
	now          func() time.Time
}

type Option func(*config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithRetryTimeout sets the transport reconnect backoff.
func WithRetryTimeout(d time.Duration) Option {
	return func(c *config) { c.retryTimeout = d }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func newConfig(component string, opts []Option) config {
	cfg := config{
		logger:       slog.Default(),
		retryTimeout: realtime.DefaultRetryTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.logger = cfg.logger.With("component", component)
	return cfg
}

// Manager is a chat session for one identity listening on its own mailbox.
// It is safe for concurrent use.
type Manager struct {
	session *ConnectionSession
	logger  *slog.Logger
	now     func() time.Time

	opMu  sync.Mutex
	group singleflight.Group

	mu          sync.Mutex
	initialized bool

	messages *listenerRegistry[envelope.Message]
	presence *listenerRegistry[presenceChange]
}

func NewManager(dialer realtime.Dialer, tokens auth.TokenProvider, opts ...Option) *Manager {
	cfg := newConfig("chat_manager", opts)
	session := NewConnectionSession(dialer, tokens, cfg.retryTimeout, cfg.logger)
	session.now = cfg.now

	return &Manager{
		session:  session,
		logger:   cfg.logger,
		now:      cfg.now,
		messages: newListenerRegistry[envelope.Message]("message"),
		presence: newListenerRegistry[presenceChange]("presence"),
	}
}

// Initialize connects as identity. Repeated calls for the same identity are
// no-ops; concurrent duplicates share one connection attempt. A different
// identity tears the previous session down first.
func (m *Manager) Initialize(ctx context.Context, identity domain.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}
	_, err, _ := m.group.Do(identity.ClientID(), func() (any, error) {
		return nil, m.initialize(ctx, identity)
	})
	return err
}

func (m *Manager) initialize(ctx context.Context, identity domain.Identity) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if current, ok := m.session.Identity(); ok && m.isInitialized() {
		if current.Handle == identity.Handle {
			m.logger.Debug("already initialized, skipping", "handle", identity.Handle)
			return nil
		}
		m.logger.Info("identity changed, resetting session", "from", current.Handle, "to", identity.Handle)
		m.resetLocked(ctx)
	}

	if err := m.session.Connect(ctx, identity, m.onConnected); err != nil {
		m.logger.Error("initialize failed", "handle", identity.Handle, "error", err)
		m.resetLocked(ctx)
		return err
	}

	m.setInitialized(true)
	m.logger.Info("initialized", "handle", identity.Handle)
	return nil
}

// ForceReinitialize tears the session down and initializes it again.
func (m *Manager) ForceReinitialize(ctx context.Context, identity domain.Identity) error {
	m.opMu.Lock()
	m.resetLocked(ctx)
	m.opMu.Unlock()
	return m.Initialize(ctx, identity)
}

func (m *Manager) onConnected(ctx context.Context) {
	identity, ok := m.session.Identity()
	if !ok {
		return
	}
	rec := SubscriptionRecord{Topic: pubsub.Topics.Mailbox(identity.Handle)}
	if _, err := m.session.Subscribe(ctx, rec, m.handleMessage, m.handlePresence); err != nil {
		m.logger.Error("failed to subscribe mailbox", "topic", rec.Topic, "error", err)
	}
}

func (m *Manager) handleMessage(rec SubscriptionRecord, raw realtime.Message) {
	msg, ok := decodeInbound(m.logger, rec, raw, m.now())
	if !ok {
		return
	}
	m.messages.emit(m.logger, msg)
}

func (m *Manager) handlePresence(rec SubscriptionRecord, p realtime.PresenceMessage) {
	change, ok := presenceOf(p)
	if !ok {
		m.logger.Debug("ignoring presence from unknown client", "topic", rec.Topic, "client_id", p.ClientID)
		return
	}
	m.presence.emit(m.logger, change)
}

// CreateMessage builds an outgoing message from the local identity. It
// does not publish.
func (m *Manager) CreateMessage(p envelope.Params) (envelope.Message, error) {
	identity, ok := m.session.Identity()
	if !ok || !m.isInitialized() {
		return envelope.Message{}, domain.ErrNotInitialized
	}
	return envelope.New(identity.Handle, p, m.now())
}

// SendMessage publishes msg on the receiver's mailbox. A publish failure
// is reported as false; only a missing connection is an error.
func (m *Manager) SendMessage(ctx context.Context, msg envelope.Message) (bool, error) {
	return sendMessage(ctx, m.session, m.logger, msg)
}

// AcknowledgeMessages publishes a read receipt. It never fails; false
// means the ack was not sent.
func (m *Manager) AcknowledgeMessages(ctx context.Context, chatID int64, messageIDs []string) bool {
	return acknowledge(ctx, m.session, m.logger, chatID, messageIDs)
}

func (m *Manager) AddMessageListener(fn MessageListener) ListenerID {
	return m.messages.add(fn)
}

func (m *Manager) RemoveMessageListener(id ListenerID) bool {
	return m.messages.remove(id)
}

func (m *Manager) AddPresenceListener(fn PresenceListener) ListenerID {
	return m.presence.add(func(c presenceChange) { fn(c.handle, c.online) })
}

func (m *Manager) RemovePresenceListener(id ListenerID) bool {
	return m.presence.remove(id)
}

// Reset tears the session down keeping registered listeners.
func (m *Manager) Reset(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.resetLocked(ctx)
}

// Disconnect tears the session down and drops every listener.
func (m *Manager) Disconnect(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.resetLocked(ctx)
	m.messages.clear()
	m.presence.clear()
	m.logger.Info("disconnected")
}

func (m *Manager) resetLocked(ctx context.Context) {
	m.session.Reset(ctx)
	m.setInitialized(false)
}

func (m *Manager) IsConnected() bool {
	return m.session.IsConnected()
}

func (m *Manager) CurrentUser() (domain.Identity, bool) {
	return m.session.Identity()
}

// Subscriptions returns the live subscription records.
func (m *Manager) Subscriptions() []SubscriptionRecord {
	return m.session.Records()
}

func (m *Manager) isInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Manager) setInitialized(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = v
}

func sendMessage(ctx context.Context, session *ConnectionSession, logger *slog.Logger, msg envelope.Message) (bool, error) {
	if !session.IsConnected() {
		return false, domain.ErrNotConnected
	}

	data, err := envelope.Build(msg)
	if err != nil {
		return false, err
	}

	topic := pubsub.Topics.Send(msg.ReceiverID)
	if err := session.Publish(ctx, topic, envelope.EventChat, data); err != nil {
		if errors.Is(err, domain.ErrNotConnected) {
			return false, err
		}
		metrics.MessagesSent.WithLabelValues(metrics.Result(false)).Inc()
		logger.Warn("send failed", "topic", topic, "message_id", msg.MessageID, "error", err)
		return false, nil
	}

	metrics.MessagesSent.WithLabelValues(metrics.Result(true)).Inc()
	logger.Debug("message sent", "topic", topic, "message_id", msg.MessageID)
	return true, nil
}

func acknowledge(ctx context.Context, session *ConnectionSession, logger *slog.Logger, chatID int64, messageIDs []string) bool {
	if !session.IsConnected() {
		logger.Warn("cannot acknowledge while disconnected", "chat_id", chatID, "count", len(messageIDs))
		metrics.AcksPublished.WithLabelValues(metrics.Result(false)).Inc()
		return false
	}

	data, err := envelope.BuildAck(chatID, messageIDs)
	if err != nil {
		logger.Warn("failed to encode ack", "chat_id", chatID, "error", err)
		return false
	}

	if err := session.Publish(ctx, pubsub.Topics.Ack(), envelope.EventAck, data); err != nil {
		logger.Warn("ack publish failed", "chat_id", chatID, "error", err)
		metrics.AcksPublished.WithLabelValues(metrics.Result(false)).Inc()
		return false
	}

	metrics.AcksPublished.WithLabelValues(metrics.Result(true)).Inc()
	return true
}
