package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/pubsub"
)

// BrokerDialer creates connections running directly over a pub/sub broker.
// Each connection authenticates with a token request verified against the
// token service and is confined to the capability it grants.
type BrokerDialer struct {
	broker         pubsub.PubSub
	tokens         *auth.TokenService
	healthInterval time.Duration
	logger         *slog.Logger
}

type BrokerOption func(*BrokerDialer)

// WithHealthInterval sets how often a connected connection pings the
// broker. Zero disables health checks.
func WithHealthInterval(d time.Duration) BrokerOption {
	return func(b *BrokerDialer) { b.healthInterval = d }
}

func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *BrokerDialer) { b.logger = logger }
}

func NewBrokerDialer(broker pubsub.PubSub, tokens *auth.TokenService, opts ...BrokerOption) *BrokerDialer {
	d := &BrokerDialer{
		broker:         broker,
		tokens:         tokens,
		healthInterval: 15 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "realtime", "transport", "broker")
	return d
}

func (d *BrokerDialer) Dial(ctx context.Context, opts Options) (Conn, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	logger := d.logger.With("client_id", opts.ClientID)
	return &brokerConn{
		dialer:   d,
		opts:     opts,
		sm:       NewStateMachine(logger),
		channels: make(map[string]*brokerChannel),
		ctx:      connCtx,
		cancel:   cancel,
		logger:   logger,
	}, nil
}

type brokerConn struct {
	dialer *BrokerDialer
	opts   Options
	sm     *StateMachine
	logger *slog.Logger

	mu         sync.Mutex
	channels   map[string]*brokerChannel
	capability auth.Capability
	retry      *time.Timer
	healthOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *brokerConn) State() State {
	return c.sm.State()
}

func (c *brokerConn) OnStateChange(fn func(StateChange)) func() {
	return c.sm.OnStateChange(fn)
}

func (c *brokerConn) Connect(ctx context.Context) error {
	switch c.sm.State() {
	case StateClosed:
		return ErrClosed
	case StateConnected:
		return nil
	}

	err := c.attempt(ctx, true)
	if c.dialer.healthInterval > 0 {
		c.healthOnce.Do(func() { go c.healthLoop() })
	}
	return err
}

// attempt runs one connection attempt. Token provider errors are fatal on
// the first attempt and transient on retries; verification failures are
// always fatal; an unreachable broker is always transient.
func (c *brokerConn) attempt(ctx context.Context, initial bool) error {
	c.sm.Set(StateConnecting, nil)

	req, err := c.opts.Auth.Request(ctx)
	if err != nil {
		if initial {
			return c.fail(fmt.Errorf("auth callback: %w", err))
		}
		return c.disconnect(fmt.Errorf("auth callback: %w", err))
	}

	claims, err := c.dialer.tokens.VerifyTokenRequest(req)
	if err != nil {
		return c.fail(err)
	}
	if claims.Subject != c.opts.ClientID {
		return c.fail(fmt.Errorf("%w: token issued for client %s", domain.ErrTokenInvalid, claims.Subject))
	}
	capability, err := auth.ParseCapability(req.Capability)
	if err != nil {
		return c.fail(err)
	}

	if err := c.dialer.broker.Ping(ctx); err != nil {
		return c.disconnect(err)
	}

	c.mu.Lock()
	c.capability = capability
	c.mu.Unlock()

	c.reattach(ctx)
	c.sm.Set(StateConnected, nil)
	// Channels subscribed while the attempt was in flight
	c.reattach(ctx)
	return nil
}

func (c *brokerConn) reattach(ctx context.Context) {
	c.mu.Lock()
	channels := c.snapshotChannels()
	c.mu.Unlock()

	for _, ch := range channels {
		if err := ch.attach(ctx); err != nil {
			c.logger.Warn("failed to reattach channel", "channel", ch.name, "error", err)
		}
	}
}

func (c *brokerConn) fail(err error) error {
	c.detachAll()
	c.sm.Set(StateFailed, err)
	c.logger.Error("connection failed", "error", err)
	return fmt.Errorf("%w: %w", ErrFailed, err)
}

func (c *brokerConn) disconnect(err error) error {
	c.detachAll()
	c.sm.Set(StateDisconnected, err)
	c.scheduleRetry()
	c.logger.Warn("connection lost, retrying", "error", err, "retry_in", c.opts.RetryTimeout())
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

func (c *brokerConn) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if c.retry != nil {
		c.retry.Stop()
	}
	c.retry = time.AfterFunc(c.opts.RetryTimeout(), func() {
		if c.ctx.Err() != nil || c.sm.State() != StateDisconnected {
			return
		}
		_ = c.attempt(c.ctx, false)
	})
}

func (c *brokerConn) healthLoop() {
	ticker := time.NewTicker(c.dialer.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.sm.State() != StateConnected {
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.dialer.healthInterval)
			err := c.dialer.broker.Ping(ctx)
			cancel()
			if err != nil && c.ctx.Err() == nil {
				_ = c.disconnect(err)
			}
		}
	}
}

func (c *brokerConn) snapshotChannels() []*brokerChannel {
	channels := make([]*brokerChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	return channels
}

// detachAll drops broker subscriptions but keeps handlers for reattachment.
func (c *brokerConn) detachAll() {
	c.mu.Lock()
	channels := c.snapshotChannels()
	c.mu.Unlock()

	for _, ch := range channels {
		ch.detachBroker()
	}
}

func (c *brokerConn) allows(topic, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capability == nil || !c.capability.Allows(topic, op) {
		return fmt.Errorf("%w: %s on %s", domain.ErrForbidden, op, topic)
	}
	return nil
}

// ready reports whether operations may reach the broker right now.
func (c *brokerConn) ready() error {
	switch c.sm.State() {
	case StateConnected:
		return nil
	case StateClosed:
		return ErrClosed
	case StateFailed:
		return ErrFailed
	default:
		return ErrDisconnected
	}
}

func (c *brokerConn) Channel(name string) Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := &brokerChannel{conn: c, name: name}
	c.channels[name] = ch
	return ch
}

func (c *brokerConn) release(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, name)
}

func (c *brokerConn) Close() error {
	c.cancel()

	c.mu.Lock()
	if c.retry != nil {
		c.retry.Stop()
	}
	c.mu.Unlock()

	c.detachAll()
	c.sm.Set(StateClosed, nil)
	return nil
}

type brokerChannel struct {
	conn *brokerConn
	name string

	mu              sync.Mutex
	handler         func(Message)
	presenceHandler func(PresenceMessage)
	msgSub          pubsub.Subscription
	presenceSub     pubsub.Subscription
	entered         bool
	announced       bool // enter published since the last attach
}

func (ch *brokerChannel) Name() string {
	return ch.name
}

func (ch *brokerChannel) Presence() Presence {
	return brokerPresence{ch: ch}
}

// Subscribe registers the message handler. While disconnected the handler
// is kept and attached once the connection is restored.
func (ch *brokerChannel) Subscribe(ctx context.Context, handler func(Message)) error {
	if ch.conn.sm.State() == StateClosed {
		return ErrClosed
	}

	ch.mu.Lock()
	ch.handler = handler
	ch.mu.Unlock()

	if ch.conn.ready() != nil {
		return nil
	}
	return ch.attach(ctx)
}

func (ch *brokerChannel) Unsubscribe() {
	ch.mu.Lock()
	ch.handler = nil
	sub := ch.msgSub
	ch.msgSub = nil
	ch.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (ch *brokerChannel) attach(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	broker := ch.conn.dialer.broker

	if ch.handler != nil && ch.msgSub == nil {
		if err := ch.conn.allows(ch.name, auth.OpSubscribe); err != nil {
			return err
		}
		sub, err := broker.Subscribe(ctx, ch.name, func(_ context.Context, m *pubsub.Message) {
			ch.deliver(m)
		})
		if err != nil {
			return fmt.Errorf("attach %s: %w", ch.name, err)
		}
		ch.msgSub = sub
	}

	if ch.presenceHandler != nil && ch.presenceSub == nil {
		if err := ch.conn.allows(ch.name, auth.OpPresence); err != nil {
			return err
		}
		sub, err := broker.Subscribe(ctx, pubsub.Topics.Presence(ch.name), func(_ context.Context, m *pubsub.Message) {
			ch.deliverPresence(m)
		})
		if err != nil {
			return fmt.Errorf("attach presence %s: %w", ch.name, err)
		}
		ch.presenceSub = sub
	}

	if ch.entered && !ch.announced {
		if err := ch.publishPresence(ctx, PresenceEnter); err != nil {
			return err
		}
		ch.announced = true
	}
	return nil
}

func (ch *brokerChannel) detachBroker() {
	ch.mu.Lock()
	subs := []pubsub.Subscription{ch.msgSub, ch.presenceSub}
	ch.msgSub = nil
	ch.presenceSub = nil
	ch.announced = false
	ch.mu.Unlock()

	for _, sub := range subs {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}
}

func (ch *brokerChannel) deliver(m *pubsub.Message) {
	ch.mu.Lock()
	handler := ch.handler
	ch.mu.Unlock()

	if handler == nil {
		return
	}
	handler(Message{
		Name:      m.Type,
		Data:      m.Payload,
		ClientID:  m.ClientID,
		Timestamp: m.Timestamp,
	})
}

func (ch *brokerChannel) deliverPresence(m *pubsub.Message) {
	ch.mu.Lock()
	handler := ch.presenceHandler
	ch.mu.Unlock()

	if handler == nil {
		return
	}
	handler(PresenceMessage{
		Action:    PresenceAction(m.Type),
		ClientID:  m.ClientID,
		Timestamp: m.Timestamp,
	})
}

func (ch *brokerChannel) Publish(ctx context.Context, event string, data []byte) error {
	if err := ch.conn.ready(); err != nil {
		return err
	}
	if err := ch.conn.allows(ch.name, auth.OpPublish); err != nil {
		return err
	}

	return ch.conn.dialer.broker.Publish(ctx, ch.name, &pubsub.Message{
		Topic:     ch.name,
		Type:      event,
		ClientID:  ch.conn.opts.ClientID,
		Payload:   json.RawMessage(data),
		Timestamp: time.Now().UnixMilli(),
	})
}

// publishPresence must be called with ch.mu held.
func (ch *brokerChannel) publishPresence(ctx context.Context, action PresenceAction) error {
	topic := pubsub.Topics.Presence(ch.name)
	return ch.conn.dialer.broker.Publish(ctx, topic, &pubsub.Message{
		Topic:     topic,
		Type:      string(action),
		ClientID:  ch.conn.opts.ClientID,
		Payload:   json.RawMessage(`{}`),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (ch *brokerChannel) Detach(ctx context.Context) error {
	ch.mu.Lock()
	ch.handler = nil
	ch.presenceHandler = nil
	ch.entered = false
	ch.announced = false
	ch.mu.Unlock()

	ch.detachBroker()
	ch.conn.release(ch.name)
	return nil
}

type brokerPresence struct {
	ch *brokerChannel
}

func (p brokerPresence) Subscribe(ctx context.Context, handler func(PresenceMessage)) error {
	ch := p.ch
	if ch.conn.sm.State() == StateClosed {
		return ErrClosed
	}

	ch.mu.Lock()
	ch.presenceHandler = handler
	ch.mu.Unlock()

	if ch.conn.ready() != nil {
		return nil
	}
	return ch.attach(ctx)
}

func (p brokerPresence) Enter(ctx context.Context) error {
	ch := p.ch
	if err := ch.conn.ready(); err != nil {
		return err
	}
	if err := ch.conn.allows(ch.name, auth.OpPresence); err != nil {
		return err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if err := ch.publishPresence(ctx, PresenceEnter); err != nil {
		return err
	}
	ch.entered = true
	ch.announced = true
	return nil
}

func (p brokerPresence) Leave(ctx context.Context) error {
	ch := p.ch
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.entered {
		return nil
	}
	ch.entered = false
	ch.announced = false
	if err := ch.conn.ready(); err != nil {
		return err
	}
	return ch.publishPresence(ctx, PresenceLeave)
}
