package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/realtime"
)

const defaultRequestTimeout = 10 * time.Second

// GatewayError is an error reply from the gateway. It unwraps to the
// matching domain or transport sentinel where one exists.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	switch e.Code {
	case CodeForbidden:
		return domain.ErrForbidden
	case CodeDisconnected:
		return realtime.ErrDisconnected
	case CodeAuthFailed:
		return domain.ErrTokenInvalid
	}
	return nil
}

// Dialer is the realtime transport for remote processes: it speaks the
// gateway protocol over a websocket and mirrors the gateway's broker state.
type Dialer struct {
	url            string
	ws             *websocket.Dialer
	requestTimeout time.Duration
	logger         *slog.Logger
}

type DialerOption func(*Dialer)

// WithRequestTimeout bounds how long a request waits for its reply.
func WithRequestTimeout(d time.Duration) DialerOption {
	return func(dl *Dialer) { dl.requestTimeout = d }
}

func WithDialerLogger(logger *slog.Logger) DialerOption {
	return func(dl *Dialer) { dl.logger = logger }
}

// NewDialer creates a dialer for the gateway at url (ws:// or wss://).
func NewDialer(url string, opts ...DialerOption) *Dialer {
	d := &Dialer{
		url:            url,
		ws:             websocket.DefaultDialer,
		requestTimeout: defaultRequestTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "realtime", "transport", "websocket")
	return d
}

func (d *Dialer) Dial(ctx context.Context, opts realtime.Options) (realtime.Conn, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	logger := d.logger.With("client_id", opts.ClientID)
	c := &gatewayConn{
		dialer:   d,
		opts:     opts,
		sm:       realtime.NewStateMachine(logger),
		logger:   logger,
		events:   newEventQueue(),
		pending:  make(map[string]chan *Message),
		channels: make(map[string]*gatewayChannel),
		ctx:      connCtx,
		cancel:   cancel,
	}
	go c.events.run(connCtx)
	return c, nil
}

type gatewayConn struct {
	dialer *Dialer
	opts   realtime.Options
	sm     *realtime.StateMachine
	logger *slog.Logger

	// events runs deliveries and mirrored state changes off the read loop,
	// in arrival order, so handlers may issue requests.
	events *eventQueue

	writeMu sync.Mutex

	mu       sync.Mutex
	ws       *websocket.Conn
	pending  map[string]chan *Message
	channels map[string]*gatewayChannel
	retry    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *gatewayConn) State() realtime.State {
	return c.sm.State()
}

func (c *gatewayConn) OnStateChange(fn func(realtime.StateChange)) func() {
	return c.sm.OnStateChange(fn)
}

func (c *gatewayConn) Connect(ctx context.Context) error {
	switch c.sm.State() {
	case realtime.StateClosed:
		return realtime.ErrClosed
	case realtime.StateConnected:
		return nil
	}
	return c.attempt(ctx, true)
}

// attempt opens a socket and authenticates. Token provider errors are fatal
// on the first attempt; a rejected token request is always fatal; an
// unreachable gateway is transient.
func (c *gatewayConn) attempt(ctx context.Context, initial bool) error {
	c.sm.Set(realtime.StateConnecting, nil)

	req, err := c.opts.Auth.Request(ctx)
	if err != nil {
		if initial {
			return c.fail(fmt.Errorf("auth callback: %w", err))
		}
		return c.disconnect(fmt.Errorf("auth callback: %w", err))
	}

	ws, _, err := c.dialer.ws.DialContext(ctx, c.dialer.url, nil)
	if err != nil {
		return c.disconnect(fmt.Errorf("dial gateway: %w", err))
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	go c.readLoop(ws)

	reply, err := c.request(ctx, EventTypeAuth, AuthPayload{TokenRequest: req})
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && (gwErr.Code == CodeAuthFailed || gwErr.Code == CodeClientMismatch) {
			return c.fail(err)
		}
		return c.disconnect(err)
	}

	var ok AuthSuccessPayload
	if err := json.Unmarshal(reply.Payload, &ok); err != nil {
		return c.disconnect(fmt.Errorf("decode auth reply: %w", err))
	}
	if ok.ClientID != c.opts.ClientID {
		return c.fail(fmt.Errorf("%w: token issued for client %s", domain.ErrTokenInvalid, ok.ClientID))
	}

	c.reattach(ctx)
	if realtime.State(ok.State) != realtime.StateConnected {
		// The gateway keeps retrying its broker and reports the outcome
		c.sm.Set(realtime.StateDisconnected, fmt.Errorf("gateway broker %s", ok.State))
		return fmt.Errorf("%w: gateway broker %s", realtime.ErrDisconnected, ok.State)
	}
	c.sm.Set(realtime.StateConnected, nil)
	// Channels subscribed while the attempt was in flight
	c.reattach(ctx)
	return nil
}

func (c *gatewayConn) reattach(ctx context.Context) {
	for _, ch := range c.snapshotChannels() {
		if err := ch.attach(ctx); err != nil {
			c.logger.Warn("failed to reattach channel", "channel", ch.name, "error", err)
		}
	}
}

func (c *gatewayConn) snapshotChannels() []*gatewayChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	channels := make([]*gatewayChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	return channels
}

// dropSocket closes the current socket and fails in-flight requests.
func (c *gatewayConn) dropSocket() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	pending := c.pending
	c.pending = make(map[string]chan *Message)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if ws != nil {
		_ = ws.Close()
	}
}

func (c *gatewayConn) fail(err error) error {
	c.dropSocket()
	c.sm.Set(realtime.StateFailed, err)
	c.logger.Error("connection failed", "error", err)
	return fmt.Errorf("%w: %w", realtime.ErrFailed, err)
}

func (c *gatewayConn) disconnect(err error) error {
	c.dropSocket()
	c.sm.Set(realtime.StateDisconnected, err)
	c.scheduleRetry()
	c.logger.Warn("connection lost, retrying", "error", err, "retry_in", c.opts.RetryTimeout())
	return fmt.Errorf("%w: %v", realtime.ErrDisconnected, err)
}

func (c *gatewayConn) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx.Err() != nil {
		return
	}
	if c.retry != nil {
		c.retry.Stop()
	}
	c.retry = time.AfterFunc(c.opts.RetryTimeout(), func() {
		if c.ctx.Err() != nil || c.sm.State() != realtime.StateDisconnected {
			return
		}
		_ = c.attempt(c.ctx, false)
	})
}

// socketLost handles a read failure on ws. Failures of sockets already
// replaced or dropped are ignored.
func (c *gatewayConn) socketLost(ws *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.ws == ws
	c.mu.Unlock()

	if !current || c.ctx.Err() != nil {
		return
	}
	_ = c.disconnect(err)
}

func (c *gatewayConn) readLoop(ws *websocket.Conn) {
	authed := false
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.socketLost(ws, err)
			return
		}

		// The gateway batches queued messages separated by newlines
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(frame)) == 0 {
				continue
			}
			var msg Message
			if err := json.Unmarshal(frame, &msg); err != nil {
				c.logger.Warn("dropping malformed gateway frame", "error", err)
				continue
			}
			if msg.Type == EventTypeAuthSuccess {
				authed = true
			}
			c.dispatch(ws, &msg, authed)
		}
	}
}

func (c *gatewayConn) dispatch(ws *websocket.Conn, msg *Message, authed bool) {
	switch msg.Type {
	case EventTypeAck, EventTypeAuthSuccess, EventTypeError:
		if msg.ID == "" {
			c.logger.Warn("gateway error", "payload", string(msg.Payload))
			return
		}
		c.mu.Lock()
		reply, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		if ok {
			reply <- msg
		}

	case EventTypeMessage:
		var p MessagePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("dropping malformed message event", "error", err)
			return
		}
		if ch := c.lookup(p.Channel); ch != nil {
			c.events.enqueue(func() { ch.deliver(p) })
		}

	case EventTypePresence:
		var p PresencePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.logger.Warn("dropping malformed presence event", "error", err)
			return
		}
		if ch := c.lookup(p.Channel); ch != nil {
			c.events.enqueue(func() { ch.deliverPresence(p) })
		}

	case EventTypeState:
		// States before auth.success describe the handshake itself
		if !authed {
			return
		}
		var p StatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return
		}
		c.events.enqueue(func() { c.mirror(ws, p) })
	}
}

// mirror applies a gateway broker state change to this connection.
func (c *gatewayConn) mirror(ws *websocket.Conn, p StatePayload) {
	var reason error
	if p.Reason != "" {
		reason = errors.New(p.Reason)
	}

	c.mu.Lock()
	current := c.ws == ws
	c.mu.Unlock()
	if !current {
		return
	}

	switch realtime.State(p.State) {
	case realtime.StateConnected:
		if c.sm.Set(realtime.StateConnected, nil) {
			c.reattach(c.ctx)
		}
	case realtime.StateConnecting, realtime.StateDisconnected:
		c.sm.Set(realtime.StateDisconnected, reason)
	case realtime.StateFailed, realtime.StateClosed:
		// Start over with a fresh token request
		c.socketLost(ws, fmt.Errorf("gateway session %s: %v", p.State, reason))
	}
}

func (c *gatewayConn) lookup(name string) *gatewayChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[name]
}

// request sends a correlated request and waits for its ack or error.
func (c *gatewayConn) request(ctx context.Context, eventType string, payload interface{}) (*Message, error) {
	msg, err := NewMessage(eventType, payload)
	if err != nil {
		return nil, err
	}
	msg.ID = uuid.NewString()
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	reply := make(chan *Message, 1)
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return nil, realtime.ErrDisconnected
	}
	c.pending[msg.ID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", realtime.ErrDisconnected, err)
	}

	timer := time.NewTimer(c.dialer.requestTimeout)
	defer timer.Stop()

	select {
	case got, ok := <-reply:
		if !ok {
			return nil, realtime.ErrDisconnected
		}
		if got.Type == EventTypeError {
			var p ErrorPayload
			_ = json.Unmarshal(got.Payload, &p)
			return nil, &GatewayError{Code: p.Code, Message: p.Message}
		}
		return got, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s timed out", realtime.ErrDisconnected, eventType)
	}
}

// ready reports whether requests may reach the broker right now.
func (c *gatewayConn) ready() error {
	switch c.sm.State() {
	case realtime.StateConnected:
		return nil
	case realtime.StateClosed:
		return realtime.ErrClosed
	case realtime.StateFailed:
		return realtime.ErrFailed
	default:
		return realtime.ErrDisconnected
	}
}

func (c *gatewayConn) Channel(name string) realtime.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.channels[name]; ok {
		return ch
	}
	ch := &gatewayChannel{conn: c, name: name}
	c.channels[name] = ch
	return ch
}

func (c *gatewayConn) release(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, name)
}

func (c *gatewayConn) Close() error {
	c.cancel()

	c.mu.Lock()
	if c.retry != nil {
		c.retry.Stop()
	}
	c.mu.Unlock()

	c.dropSocket()
	c.sm.Set(realtime.StateClosed, nil)
	return nil
}

type gatewayChannel struct {
	conn *gatewayConn
	name string

	mu              sync.Mutex
	handler         func(realtime.Message)
	presenceHandler func(realtime.PresenceMessage)
	entered         bool
}

func (ch *gatewayChannel) Name() string {
	return ch.name
}

func (ch *gatewayChannel) Presence() realtime.Presence {
	return gatewayPresence{ch: ch}
}

// Subscribe registers the message handler. While disconnected the handler
// is kept and attached once the connection is restored.
func (ch *gatewayChannel) Subscribe(ctx context.Context, handler func(realtime.Message)) error {
	if ch.conn.sm.State() == realtime.StateClosed {
		return realtime.ErrClosed
	}

	ch.mu.Lock()
	ch.handler = handler
	ch.mu.Unlock()

	if ch.conn.ready() != nil {
		return nil
	}
	_, err := ch.conn.request(ctx, EventTypeAttach, ChannelPayload{Channel: ch.name})
	return err
}

func (ch *gatewayChannel) Unsubscribe() {
	ch.mu.Lock()
	ch.handler = nil
	ch.mu.Unlock()
}

// attach replays the channel's registrations on a fresh gateway session.
func (ch *gatewayChannel) attach(ctx context.Context) error {
	ch.mu.Lock()
	messages := ch.handler != nil
	presence := ch.presenceHandler != nil
	entered := ch.entered
	ch.mu.Unlock()

	if messages {
		if _, err := ch.conn.request(ctx, EventTypeAttach, ChannelPayload{Channel: ch.name}); err != nil {
			return err
		}
	}
	if presence {
		if _, err := ch.conn.request(ctx, EventTypeAttach, ChannelPayload{Channel: ch.name, Presence: true}); err != nil {
			return err
		}
	}
	if entered {
		if _, err := ch.conn.request(ctx, EventTypePresenceEnter, ChannelPayload{Channel: ch.name}); err != nil {
			return err
		}
	}
	return nil
}

func (ch *gatewayChannel) deliver(p MessagePayload) {
	ch.mu.Lock()
	handler := ch.handler
	ch.mu.Unlock()

	if handler == nil {
		return
	}
	handler(realtime.Message{
		Name:      p.Event,
		Data:      []byte(p.Data),
		ClientID:  p.ClientID,
		Timestamp: p.Timestamp,
	})
}

func (ch *gatewayChannel) deliverPresence(p PresencePayload) {
	ch.mu.Lock()
	handler := ch.presenceHandler
	ch.mu.Unlock()

	if handler == nil {
		return
	}
	handler(realtime.PresenceMessage{
		Action:    realtime.PresenceAction(p.Action),
		ClientID:  p.ClientID,
		Timestamp: p.Timestamp,
	})
}

func (ch *gatewayChannel) Publish(ctx context.Context, event string, data []byte) error {
	if err := ch.conn.ready(); err != nil {
		return err
	}
	_, err := ch.conn.request(ctx, EventTypePublish, PublishPayload{
		Channel: ch.name,
		Event:   event,
		Data:    json.RawMessage(data),
	})
	return err
}

func (ch *gatewayChannel) Detach(ctx context.Context) error {
	ch.mu.Lock()
	ch.handler = nil
	ch.presenceHandler = nil
	ch.entered = false
	ch.mu.Unlock()

	ch.conn.release(ch.name)
	if ch.conn.ready() != nil {
		return nil
	}
	_, err := ch.conn.request(ctx, EventTypeDetach, ChannelPayload{Channel: ch.name})
	return err
}

type gatewayPresence struct {
	ch *gatewayChannel
}

func (p gatewayPresence) Subscribe(ctx context.Context, handler func(realtime.PresenceMessage)) error {
	ch := p.ch
	if ch.conn.sm.State() == realtime.StateClosed {
		return realtime.ErrClosed
	}

	ch.mu.Lock()
	ch.presenceHandler = handler
	ch.mu.Unlock()

	if ch.conn.ready() != nil {
		return nil
	}
	_, err := ch.conn.request(ctx, EventTypeAttach, ChannelPayload{Channel: ch.name, Presence: true})
	return err
}

func (p gatewayPresence) Enter(ctx context.Context) error {
	ch := p.ch
	if err := ch.conn.ready(); err != nil {
		return err
	}
	if _, err := ch.conn.request(ctx, EventTypePresenceEnter, ChannelPayload{Channel: ch.name}); err != nil {
		return err
	}

	ch.mu.Lock()
	ch.entered = true
	ch.mu.Unlock()
	return nil
}

func (p gatewayPresence) Leave(ctx context.Context) error {
	ch := p.ch
	ch.mu.Lock()
	entered := ch.entered
	ch.entered = false
	ch.mu.Unlock()

	if !entered {
		return nil
	}
	if err := ch.conn.ready(); err != nil {
		return err
	}
	_, err := ch.conn.request(ctx, EventTypePresenceLeave, ChannelPayload{Channel: ch.name})
	return err
}

// eventQueue runs queued callbacks one at a time in enqueue order.
type eventQueue struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{wake: make(chan struct{}, 1)}
}

func (q *eventQueue) enqueue(fn func()) {
	q.mu.Lock()
	q.queue = append(q.queue, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *eventQueue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		for {
			q.mu.Lock()
			if len(q.queue) == 0 {
				q.mu.Unlock()
				break
			}
			fn := q.queue[0]
			q.queue[0] = nil
			q.queue = q.queue[1:]
			q.mu.Unlock()

			if ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}
