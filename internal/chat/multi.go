package chat

import (
	"context"
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

// publisherContext is either noPublisher or activePublisher.
type publisherContext interface {
	isPublisherContext()
}

type noPublisher struct{}

type activePublisher struct {
	publisher domain.Publisher
}

func (noPublisher) isPublisherContext()     {}
func (activePublisher) isPublisherContext() {}

// MultiPublisherManager lets one administrator operate as each of several
// publishers in turn. Exactly one publisher context is current at a time;
// switching tears the previous publisher's topics down before the new
// publisher's mailbox is opened. It is safe for concurrent use.
type MultiPublisherManager struct {
	session *ConnectionSession
	logger  *slog.Logger
	now     func() time.Time

	// opMu serializes entry points that sequence transport operations.
	// Transport callbacks never take it.
	opMu  sync.Mutex
	group singleflight.Group

	mu          sync.Mutex
	initialized bool
	admin       *domain.AdminUser
	current     publisherContext

	messages *listenerRegistry[envelope.Message]
	presence *listenerRegistry[presenceChange]
	switches *listenerRegistry[PublisherSwitchEvent]
}

func NewMultiPublisherManager(dialer realtime.Dialer, tokens auth.TokenProvider, opts ...Option) *MultiPublisherManager {
	cfg := newConfig("multi_publisher_manager", opts)
	session := NewConnectionSession(dialer, tokens, cfg.retryTimeout, cfg.logger)
	session.now = cfg.now

	return &MultiPublisherManager{
		session:  session,
		logger:   cfg.logger,
		now:      cfg.now,
		current:  noPublisher{},
		messages: newListenerRegistry[envelope.Message]("message"),
		presence: newListenerRegistry[presenceChange]("presence"),
		switches: newListenerRegistry[PublisherSwitchEvent]("publisher_switch"),
	}
}

// Initialize connects as admin and, once connected, listens on the admin
// mailbox. Same-identity calls are no-ops; concurrent duplicates share one
// connection attempt; a different admin resets the session first.
func (m *MultiPublisherManager) Initialize(ctx context.Context, admin domain.AdminUser) error {
	if err := admin.Validate(); err != nil {
		return err
	}
	_, err, _ := m.group.Do(admin.ClientID(), func() (any, error) {
		return nil, m.initialize(ctx, admin)
	})
	return err
}

func (m *MultiPublisherManager) initialize(ctx context.Context, admin domain.AdminUser) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if current, ok := m.CurrentAdmin(); ok && m.isInitialized() {
		if current.Handle == admin.Handle {
			m.logger.Debug("already initialized, skipping", "handle", admin.Handle)
			return nil
		}
		m.logger.Info("admin changed, resetting session", "from", current.Handle, "to", admin.Handle)
		m.resetLocked(ctx)
	}

	m.mu.Lock()
	a := admin
	m.admin = &a
	m.mu.Unlock()

	if err := m.session.Connect(ctx, admin.Identity, m.onConnected); err != nil {
		m.logger.Error("initialize failed", "handle", admin.Handle, "error", err)
		m.resetLocked(ctx)
		return err
	}

	m.setInitialized(true)
	m.logger.Info("initialized", "handle", admin.Handle, "publishers", len(admin.Publishers))
	return nil
}

// ForceReinitialize tears the session down and initializes it again.
func (m *MultiPublisherManager) ForceReinitialize(ctx context.Context, admin domain.AdminUser) error {
	m.opMu.Lock()
	m.resetLocked(ctx)
	m.opMu.Unlock()
	return m.Initialize(ctx, admin)
}

func (m *MultiPublisherManager) onConnected(ctx context.Context) {
	admin, ok := m.CurrentAdmin()
	if !ok {
		return
	}
	rec := SubscriptionRecord{Topic: pubsub.Topics.Mailbox(admin.Handle)}
	if _, err := m.session.Subscribe(ctx, rec, m.handleMessage, m.handlePresence); err != nil {
		m.logger.Error("failed to subscribe admin mailbox", "topic", rec.Topic, "error", err)
	}
}

// SwitchPublisher makes p the current publisher. The previous publisher's
// mailbox and applicant channels are closed first, then p's mailbox is
// opened, then switch listeners are notified. Reports false without a
// live connection or when p's mailbox cannot be opened.
//
// Listeners run after the operation lock is released so they may call
// back into the manager.
func (m *MultiPublisherManager) SwitchPublisher(ctx context.Context, p domain.Publisher) bool {
	if err := p.Validate(); err != nil {
		m.logger.Warn("refusing to switch to invalid publisher", "publisher_id", p.ID, "error", err)
		return false
	}

	ev, ok := m.switchLocked(ctx, p)
	if !ok {
		return false
	}

	metrics.PublisherSwitches.Inc()
	m.switches.emit(m.logger, ev)

	m.logger.Info("switched publisher", "publisher_id", p.ID, "name", p.Name)
	return true
}

// switchLocked rewires the subscriptions under opMu and returns the event
// to raise.
func (m *MultiPublisherManager) switchLocked(ctx context.Context, p domain.Publisher) (PublisherSwitchEvent, bool) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !m.session.IsConnected() {
		m.logger.Warn("cannot switch publisher while disconnected", "publisher_id", p.ID)
		return PublisherSwitchEvent{}, false
	}

	var previous *domain.Publisher
	if prev, ok := m.CurrentPublisher(); ok {
		previous = &prev
		m.closePublisherTopics(ctx, prev.ID)
	}

	m.mu.Lock()
	m.current = activePublisher{publisher: p}
	m.mu.Unlock()

	rec := SubscriptionRecord{Topic: pubsub.Topics.Mailbox(p.Handle), PublisherID: p.ID}
	if _, err := m.session.Subscribe(ctx, rec, m.handleMessage, m.handlePresence); err != nil {
		m.logger.Error("failed to open publisher mailbox", "publisher_id", p.ID, "topic", rec.Topic, "error", err)
		m.mu.Lock()
		m.current = noPublisher{}
		m.mu.Unlock()
		return PublisherSwitchEvent{}, false
	}

	return PublisherSwitchEvent{
		Previous:  previous,
		Current:   p,
		Timestamp: m.now().UnixMilli(),
	}, true
}

// closePublisherTopics drops every record owned by publisherID.
func (m *MultiPublisherManager) closePublisherTopics(ctx context.Context, publisherID int64) {
	for _, rec := range m.session.Records() {
		if rec.PublisherID == publisherID {
			m.session.Unsubscribe(ctx, rec.Topic)
		}
	}
}

// SubscribeApplicantChannel opens the applicant's channel under the current
// publisher. Reports false without a current publisher, when the
// applicant belongs to another publisher or when the topic is held by a
// record that is not this applicant's. True if already open.
func (m *MultiPublisherManager) SubscribeApplicantChannel(ctx context.Context, a domain.Applicant) bool {
	if err := a.Validate(); err != nil {
		m.logger.Warn("refusing invalid applicant", "applicant_id", a.ID, "error", err)
		return false
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	pub, ok := m.CurrentPublisher()
	if !ok {
		m.logger.Warn("cannot open applicant channel without a publisher", "applicant_id", a.ID)
		return false
	}
	if a.PublisherID != pub.ID {
		m.logger.Warn("applicant belongs to another publisher",
			"applicant_id", a.ID, "owner", a.PublisherID, "current", pub.ID)
		return false
	}

	topic := pubsub.Topics.Mailbox(a.Handle)
	if rec, ok := m.session.Record(topic); ok {
		if rec.ApplicantID != a.ID {
			m.logger.Warn("applicant topic held by another record",
				"applicant_id", a.ID, "topic", topic, "holder", rec.ApplicantID)
			return false
		}
		m.logger.Debug("applicant channel already open", "topic", topic)
		return true
	}

	rec := SubscriptionRecord{Topic: topic, PublisherID: pub.ID, ApplicantID: a.ID}
	if _, err := m.session.Subscribe(ctx, rec, m.handleMessage, m.handlePresence); err != nil {
		m.logger.Error("failed to open applicant channel", "topic", topic, "error", err)
		return false
	}
	return true
}

// UnsubscribeApplicantChannel closes the applicant's channel. Reports false
// when it is not open.
func (m *MultiPublisherManager) UnsubscribeApplicantChannel(ctx context.Context, a domain.Applicant) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	topic := pubsub.Topics.Mailbox(a.Handle)
	rec, ok := m.session.Record(topic)
	if !ok || rec.ApplicantID != a.ID {
		m.logger.Debug("applicant channel not open", "applicant_id", a.ID)
		return false
	}
	return m.session.Unsubscribe(ctx, topic)
}

// handleMessage tags messages with the context of the record that
// delivered them. Mailbox deliveries from a sender whose applicant channel
// is open are attributed to that applicant.
func (m *MultiPublisherManager) handleMessage(rec SubscriptionRecord, raw realtime.Message) {
	msg, ok := decodeInbound(m.logger, rec, raw, m.now())
	if !ok {
		return
	}

	msg.PublisherID = rec.PublisherID
	msg.ApplicantID = rec.ApplicantID
	if rec.ApplicantID == 0 {
		if owner, ok := m.applicantRecordFor(rec.PublisherID, msg.SenderID); ok {
			msg.PublisherID = owner.PublisherID
			msg.ApplicantID = owner.ApplicantID
		}
	}

	m.messages.emit(m.logger, msg)
}

func (m *MultiPublisherManager) applicantRecordFor(publisherID, senderHandle int64) (SubscriptionRecord, bool) {
	rec, ok := m.session.Record(pubsub.Topics.Mailbox(senderHandle))
	if !ok || rec.ApplicantID == 0 {
		return SubscriptionRecord{}, false
	}
	if publisherID != 0 && rec.PublisherID != publisherID {
		return SubscriptionRecord{}, false
	}
	return rec, true
}

func (m *MultiPublisherManager) handlePresence(rec SubscriptionRecord, p realtime.PresenceMessage) {
	change, ok := presenceOf(p)
	if !ok {
		m.logger.Debug("ignoring presence from unknown client", "topic", rec.Topic, "client_id", p.ClientID)
		return
	}
	m.presence.emit(m.logger, change)
}

// CreateMessage builds an outgoing message from the admin. It does not
// publish.
func (m *MultiPublisherManager) CreateMessage(p envelope.Params) (envelope.Message, error) {
	admin, ok := m.CurrentAdmin()
	if !ok || !m.isInitialized() {
		return envelope.Message{}, domain.ErrNotInitialized
	}
	return envelope.New(admin.Handle, p, m.now())
}

// SendMessage publishes msg on the receiver's mailbox whatever publisher
// is current.
func (m *MultiPublisherManager) SendMessage(ctx context.Context, msg envelope.Message) (bool, error) {
	return sendMessage(ctx, m.session, m.logger, msg)
}

func (m *MultiPublisherManager) AcknowledgeMessages(ctx context.Context, chatID int64, messageIDs []string) bool {
	return acknowledge(ctx, m.session, m.logger, chatID, messageIDs)
}

// AttributeApplicant returns the counterparty handle of msg: the receiver
// when the admin or the current publisher sent it, else the sender.
func (m *MultiPublisherManager) AttributeApplicant(msg envelope.Message) int64 {
	if admin, ok := m.CurrentAdmin(); ok && msg.SenderID == admin.Handle {
		return msg.ReceiverID
	}
	if pub, ok := m.CurrentPublisher(); ok && msg.SenderID == pub.Handle {
		return msg.ReceiverID
	}
	return msg.SenderID
}

func (m *MultiPublisherManager) AddMessageListener(fn MessageListener) ListenerID {
	return m.messages.add(fn)
}

func (m *MultiPublisherManager) RemoveMessageListener(id ListenerID) bool {
	return m.messages.remove(id)
}

func (m *MultiPublisherManager) AddPresenceListener(fn PresenceListener) ListenerID {
	return m.presence.add(func(c presenceChange) { fn(c.handle, c.online) })
}

func (m *MultiPublisherManager) RemovePresenceListener(id ListenerID) bool {
	return m.presence.remove(id)
}

func (m *MultiPublisherManager) AddPublisherSwitchListener(fn PublisherSwitchListener) ListenerID {
	return m.switches.add(fn)
}

func (m *MultiPublisherManager) RemovePublisherSwitchListener(id ListenerID) bool {
	return m.switches.remove(id)
}

// Reset closes every live topic with per-topic isolation and clears the
// admin and publisher context. Listeners are kept.
func (m *MultiPublisherManager) Reset(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.resetLocked(ctx)
}

// Disconnect resets the session and drops every listener.
func (m *MultiPublisherManager) Disconnect(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.resetLocked(ctx)
	m.messages.clear()
	m.presence.clear()
	m.switches.clear()
	m.logger.Info("disconnected")
}

func (m *MultiPublisherManager) resetLocked(ctx context.Context) {
	m.session.Reset(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = false
	m.admin = nil
	m.current = noPublisher{}
}

func (m *MultiPublisherManager) IsConnected() bool {
	return m.session.IsConnected()
}

func (m *MultiPublisherManager) CurrentAdmin() (domain.AdminUser, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.admin == nil {
		return domain.AdminUser{}, false
	}
	return *m.admin, true
}

// CurrentPublisher returns the publisher the admin operates as.
func (m *MultiPublisherManager) CurrentPublisher() (domain.Publisher, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active, ok := m.current.(activePublisher); ok {
		return active.publisher, true
	}
	return domain.Publisher{}, false
}

// ActiveChannels returns the live subscription records sorted by topic.
func (m *MultiPublisherManager) ActiveChannels() []SubscriptionRecord {
	return m.session.Records()
}

func (m *MultiPublisherManager) isInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *MultiPublisherManager) setInitialized(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialized = v
}
