package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/metrics"
	"github.com/observer/hirechat/internal/realtime"
)

// SubscriptionRecord tracks one live topic. ApplicantID is zero for
// mailbox records; PublisherID is zero for the owner's own mailbox.
type SubscriptionRecord struct {
	Topic        string    `json:"topic"`
	PublisherID  int64     `json:"publisher_id,omitempty"`
	ApplicantID  int64     `json:"applicant_id,omitempty"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

type (
	messageHandler  func(SubscriptionRecord, realtime.Message)
	presenceHandler func(SubscriptionRecord, realtime.PresenceMessage)
)

// ConnectionSession owns one transport connection for one identity and the
// set of topics subscribed on it.
type ConnectionSession struct {
	dialer       realtime.Dialer
	tokens       auth.TokenProvider
	retryTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu             sync.Mutex
	conn           realtime.Conn
	removeListener func()
	identity       *domain.Identity
	connected      bool
	records        map[string]SubscriptionRecord
	ctx            context.Context
	cancel         context.CancelFunc
}

func NewConnectionSession(dialer realtime.Dialer, tokens auth.TokenProvider, retryTimeout time.Duration, logger *slog.Logger) *ConnectionSession {
	if retryTimeout <= 0 {
		retryTimeout = realtime.DefaultRetryTimeout
	}
	return &ConnectionSession{
		dialer:       dialer,
		tokens:       tokens,
		retryTimeout: retryTimeout,
		logger:       logger,
		now:          time.Now,
		records:      make(map[string]SubscriptionRecord),
	}
}

// Connect dials the transport as identity and runs onConnected on every
// transition to connected, reconnects included. A transient disconnection
// on the first attempt is not an error; the transport keeps retrying.
func (s *ConnectionSession) Connect(ctx context.Context, identity domain.Identity, onConnected func(context.Context)) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	conn, err := s.dialer.Dial(ctx, realtime.Options{
		ClientID:                 identity.ClientID(),
		Auth:                     s.tokens,
		DisconnectedRetryTimeout: s.retryTimeout,
	})
	if err != nil {
		return &domain.ConnectionError{Op: "dial", Err: err}
	}

	sessionCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.conn = conn
	id := identity
	s.identity = &id
	s.ctx = sessionCtx
	s.cancel = cancel
	s.mu.Unlock()

	remove := conn.OnStateChange(func(change realtime.StateChange) {
		s.handleStateChange(sessionCtx, change, onConnected)
	})
	s.mu.Lock()
	s.removeListener = remove
	s.mu.Unlock()

	s.logger.Info("connecting", "handle", identity.Handle)

	err = conn.Connect(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, realtime.ErrDisconnected):
		s.logger.Warn("transport disconnected, waiting for automatic retry",
			"handle", identity.Handle, "retry_in", s.retryTimeout, "error", err)
		return nil
	default:
		s.Cleanup(ctx)
		return &domain.ConnectionError{Op: "connect", Err: err}
	}
}

func (s *ConnectionSession) handleStateChange(ctx context.Context, change realtime.StateChange, onConnected func(context.Context)) {
	switch change.Current {
	case realtime.StateConnected:
		s.setConnected(true)
		s.logger.Info("connected")
		if onConnected != nil {
			onConnected(ctx)
		}
	case realtime.StateFailed:
		s.setConnected(false)
		s.logger.Error("connection failed", "reason", change.Reason)
	case realtime.StateDisconnected:
		s.setConnected(false)
		s.logger.Warn("connection lost", "reason", change.Reason)
	case realtime.StateClosed:
		s.setConnected(false)
	}
}

func (s *ConnectionSession) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *ConnectionSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Identity returns the identity the session was connected as.
func (s *ConnectionSession) Identity() (domain.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return domain.Identity{}, false
	}
	return *s.identity, true
}

// Subscribe opens rec.Topic and routes its events to the handlers. It is
// idempotent on the topic name: a second call for a live topic is a no-op
// reporting false.
func (s *ConnectionSession) Subscribe(ctx context.Context, rec SubscriptionRecord, onMessage messageHandler, onPresence presenceHandler) (bool, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return false, domain.ErrNotInitialized
	}
	if _, ok := s.records[rec.Topic]; ok {
		s.mu.Unlock()
		s.logger.Debug("topic already subscribed, skipping", "topic", rec.Topic)
		return false, nil
	}
	rec.SubscribedAt = s.now()
	s.records[rec.Topic] = rec
	s.mu.Unlock()

	ch := conn.Channel(rec.Topic)
	if err := ch.Subscribe(ctx, func(m realtime.Message) { onMessage(rec, m) }); err != nil {
		s.mu.Lock()
		delete(s.records, rec.Topic)
		s.mu.Unlock()
		s.safely("detach", rec.Topic, func() error { return ch.Detach(ctx) })
		return false, fmt.Errorf("subscribe %s: %w", rec.Topic, err)
	}

	if onPresence != nil {
		if err := ch.Presence().Subscribe(ctx, func(p realtime.PresenceMessage) { onPresence(rec, p) }); err != nil {
			s.logger.Warn("presence subscription failed", "topic", rec.Topic, "error", err)
		}
	}

	metrics.ActiveSubscriptions.Inc()
	s.logger.Info("subscribed", "topic", rec.Topic, "publisher_id", rec.PublisherID, "applicant_id", rec.ApplicantID)
	return true, nil
}

// Unsubscribe leaves presence on topic and detaches it. Unknown topics are
// a logged no-op reporting false.
func (s *ConnectionSession) Unsubscribe(ctx context.Context, topic string) bool {
	s.mu.Lock()
	conn := s.conn
	_, ok := s.records[topic]
	if ok {
		delete(s.records, topic)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("topic not subscribed, nothing to do", "topic", topic)
		return false
	}
	metrics.ActiveSubscriptions.Dec()

	if conn != nil {
		s.teardownChannel(ctx, conn, topic)
	}
	s.logger.Info("unsubscribed", "topic", topic)
	return true
}

func (s *ConnectionSession) teardownChannel(ctx context.Context, conn realtime.Conn, topic string) {
	ch := conn.Channel(topic)
	s.safely("leave presence", topic, func() error { return ch.Presence().Leave(ctx) })
	s.safely("unsubscribe", topic, func() error {
		ch.Unsubscribe()
		return nil
	})
	s.safely("detach", topic, func() error { return ch.Detach(ctx) })
}

// Record returns the live record for topic.
func (s *ConnectionSession) Record(topic string) (SubscriptionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[topic]
	return rec, ok
}

// Records returns a snapshot of every live record sorted by topic.
func (s *ConnectionSession) Records() []SubscriptionRecord {
	s.mu.Lock()
	out := make([]SubscriptionRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Publish sends data as event on topic.
func (s *ConnectionSession) Publish(ctx context.Context, topic, event string, data []byte) error {
	s.mu.Lock()
	conn, connected := s.conn, s.connected
	s.mu.Unlock()

	if conn == nil {
		return domain.ErrNotInitialized
	}
	if !connected {
		return domain.ErrNotConnected
	}
	return conn.Channel(topic).Publish(ctx, event, data)
}

// Cleanup tears the connection down: presence is left and every tracked
// channel detached before the transport is closed. Each step is isolated
// and logged; Cleanup never fails. Subscription records are kept.
func (s *ConnectionSession) Cleanup(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	remove := s.removeListener
	cancel := s.cancel
	topics := make([]string, 0, len(s.records))
	for topic := range s.records {
		topics = append(topics, topic)
	}
	s.conn = nil
	s.removeListener = nil
	s.cancel = nil
	s.connected = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if remove != nil {
		remove()
	}
	if conn == nil {
		return
	}

	sort.Strings(topics)
	for _, topic := range topics {
		s.teardownChannel(ctx, conn, topic)
	}
	s.safely("close connection", "", conn.Close)
	s.logger.Info("connection cleaned up", "topics", len(topics))
}

// Reset runs Cleanup and returns the session to its pre-connect state.
func (s *ConnectionSession) Reset(ctx context.Context) {
	s.Cleanup(ctx)

	s.mu.Lock()
	metrics.ActiveSubscriptions.Sub(float64(len(s.records)))
	s.records = make(map[string]SubscriptionRecord)
	s.identity = nil
	s.connected = false
	s.mu.Unlock()
}

func (s *ConnectionSession) safely(step, topic string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cleanup step panicked", "step", step, "topic", topic, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("cleanup step failed", "step", step, "topic", topic, "error", err)
	}
}
