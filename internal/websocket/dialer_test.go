package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/chat"
	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/envelope"
	"github.com/observer/hirechat/internal/pubsub"
	"github.com/observer/hirechat/internal/realtime"
)

const (
	testKey      = "test-signing-key-at-least-32-characters-long"
	waitFor      = 2 * time.Second
	pollEvery    = 5 * time.Millisecond
	retryBackoff = 20 * time.Millisecond
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyBroker fails pings while down.
type flakyBroker struct {
	*pubsub.MemoryPubSub
	down atomic.Bool
}

func (b *flakyBroker) Ping(ctx context.Context) error {
	if b.down.Load() {
		return errors.New("broker unreachable")
	}
	return b.MemoryPubSub.Ping(ctx)
}

// stubConn is a realtime.Conn that only records Close.
type stubConn struct {
	realtime.Conn
	closed bool
}

func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

type gatewayFixture struct {
	broker *flakyBroker
	tokens *auth.TokenService
	hub    *Hub
	url    string
}

func newGatewayFixture(t *testing.T, config HubConfig) *gatewayFixture {
	t.Helper()
	tokens, err := auth.NewTokenService(testKey, "hirechat.test", time.Hour)
	require.NoError(t, err)

	broker := &flakyBroker{MemoryPubSub: pubsub.NewMemoryPubSub()}
	brokerDialer := realtime.NewBrokerDialer(broker, tokens,
		realtime.WithHealthInterval(10*time.Millisecond),
		realtime.WithLogger(discardLogger()))

	if config.RetryTimeout == 0 {
		config.RetryTimeout = retryBackoff
	}
	hub := NewHub(brokerDialer, tokens, config, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(hub, discardLogger()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		broker.Close()
	})

	return &gatewayFixture{
		broker: broker,
		tokens: tokens,
		hub:    hub,
		url:    "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// dial opens a gateway connection for handle without connecting it.
func (f *gatewayFixture) dial(t *testing.T, handle int64, role domain.Role, tokens auth.TokenProvider) realtime.Conn {
	t.Helper()
	if tokens == nil {
		tokens = auth.NewLocalTokenProvider(f.tokens, handle, role)
	}
	d := NewDialer(f.url, WithRequestTimeout(time.Second), WithDialerLogger(discardLogger()))
	conn, err := d.Dial(context.Background(), realtime.Options{
		ClientID:                 domain.Identity{Handle: handle}.ClientID(),
		Auth:                     tokens,
		DisconnectedRetryTimeout: retryBackoff,
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// connect dials and connects, failing the test on error.
func (f *gatewayFixture) connect(t *testing.T, handle int64, role domain.Role) realtime.Conn {
	t.Helper()
	conn := f.dial(t, handle, role, nil)
	require.NoError(t, conn.Connect(context.Background()))
	require.Equal(t, realtime.StateConnected, conn.State())
	return conn
}

type received struct {
	mu   sync.Mutex
	msgs []realtime.Message
}

func (r *received) add(m realtime.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *received) snapshot() []realtime.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Message(nil), r.msgs...)
}

func chatData(t *testing.T, sender, receiver int64, text string) []byte {
	t.Helper()
	msg, err := envelope.New(sender, envelope.Params{
		ChatID:         42,
		ReceiverHandle: receiver,
		MessageType:    envelope.TypeText,
		Content:        envelope.NewTextContent(text),
	}, time.Now())
	require.NoError(t, err)
	data, err := envelope.Build(msg)
	require.NoError(t, err)
	return data
}

// =============================================================================
// Connection Lifecycle
// =============================================================================

func TestDialer_ConnectAuthenticates(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	conn := f.connect(t, 1001, domain.RolePublisher)

	assert.Equal(t, realtime.StateConnected, conn.State())
	assert.Eventually(t, func() bool { return f.hub.IsClientOnline("1001") }, waitFor, pollEvery)
	assert.Contains(t, f.hub.OnlineClientIDs(), "1001")

	// Connect on a live connection is a no-op
	assert.NoError(t, conn.Connect(context.Background()))
}

func TestDialer_RejectedTokenFails(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	forged := auth.TokenProviderFunc(func(ctx context.Context) (*auth.TokenRequest, error) {
		req, err := f.tokens.IssueTokenRequest(1001, domain.RolePublisher, auth.CapabilityFor(domain.RolePublisher, 1001).String())
		if err != nil {
			return nil, err
		}
		req.MAC = "forged"
		return req, nil
	})
	conn := f.dial(t, 1001, domain.RolePublisher, forged)

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, realtime.ErrFailed)
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)
	assert.Equal(t, realtime.StateFailed, conn.State())
}

func TestDialer_TokenForAnotherClientFails(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	other := auth.NewLocalTokenProvider(f.tokens, 2001, domain.RoleApplicant)
	conn := f.dial(t, 1001, domain.RolePublisher, other)

	err := conn.Connect(context.Background())
	assert.ErrorIs(t, err, realtime.ErrFailed)
	assert.Equal(t, realtime.StateFailed, conn.State())
}

func TestDialer_TokenProviderErrorFailsFirstAttempt(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	broken := auth.TokenProviderFunc(func(context.Context) (*auth.TokenRequest, error) {
		return nil, errors.New("token endpoint down")
	})
	conn := f.dial(t, 1001, domain.RolePublisher, broken)

	err := conn.Connect(context.Background())
	assert.ErrorIs(t, err, realtime.ErrFailed)
}

func TestDialer_UnreachableGatewayRetries(t *testing.T) {
	d := NewDialer("ws://127.0.0.1:1/ws", WithDialerLogger(discardLogger()))
	tokens, err := auth.NewTokenService(testKey, "hirechat.test", time.Hour)
	require.NoError(t, err)

	conn, err := d.Dial(context.Background(), realtime.Options{
		ClientID:                 "1001",
		Auth:                     auth.NewLocalTokenProvider(tokens, 1001, domain.RolePublisher),
		DisconnectedRetryTimeout: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	err = conn.Connect(context.Background())
	assert.ErrorIs(t, err, realtime.ErrDisconnected)
	assert.Equal(t, realtime.StateDisconnected, conn.State())
}

func TestDialer_InvalidOptions(t *testing.T) {
	d := NewDialer("ws://localhost/ws")

	_, err := d.Dial(context.Background(), realtime.Options{ClientID: "1001"})
	assert.Error(t, err)

	noop := auth.TokenProviderFunc(func(context.Context) (*auth.TokenRequest, error) { return nil, nil })
	_, err = d.Dial(context.Background(), realtime.Options{Auth: noop})
	assert.Error(t, err)
}

func TestDialer_CloseIsTerminal(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	conn := f.connect(t, 1001, domain.RolePublisher)

	var states []realtime.State
	var mu sync.Mutex
	conn.OnStateChange(func(c realtime.StateChange) {
		mu.Lock()
		states = append(states, c.Current)
		mu.Unlock()
	})

	require.NoError(t, conn.Close())
	assert.Equal(t, realtime.StateClosed, conn.State())
	assert.ErrorIs(t, conn.Connect(context.Background()), realtime.ErrClosed)
	assert.ErrorIs(t, conn.Channel("chat:mailbox:1001").Publish(context.Background(), "chat.message", []byte(`{}`)), realtime.ErrClosed)

	mu.Lock()
	assert.Equal(t, []realtime.State{realtime.StateClosed}, states)
	mu.Unlock()

	assert.Eventually(t, func() bool { return !f.hub.IsClientOnline("1001") }, waitFor, pollEvery)
}

// =============================================================================
// Channels
// =============================================================================

func TestDialer_PublishSubscribeRoundTrip(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	publisher := f.connect(t, 1001, domain.RolePublisher)
	applicant := f.connect(t, 2001, domain.RoleApplicant)

	var got received
	mailbox := publisher.Channel(pubsub.Topics.Mailbox(1001))
	require.NoError(t, mailbox.Subscribe(context.Background(), got.add))

	data := chatData(t, 2001, 1001, "hello")
	require.NoError(t, applicant.Channel(pubsub.Topics.Mailbox(1001)).Publish(context.Background(), envelope.EventChat, data))

	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, waitFor, pollEvery)
	msg := got.snapshot()[0]
	assert.Equal(t, envelope.EventChat, msg.Name)
	assert.Equal(t, "2001", msg.ClientID)
	assert.JSONEq(t, string(data), string(msg.Data))
	assert.NotZero(t, msg.Timestamp)
}

func TestDialer_ChannelIsReused(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	conn := f.connect(t, 1001, domain.RolePublisher)

	a := conn.Channel("chat:mailbox:1001")
	b := conn.Channel("chat:mailbox:1001")
	assert.Same(t, a, b)
	assert.Equal(t, "chat:mailbox:1001", a.Name())
}

func TestDialer_ForbiddenSubscribe(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	applicant := f.connect(t, 2001, domain.RoleApplicant)

	err := applicant.Channel(pubsub.Topics.Mailbox(1001)).Subscribe(context.Background(), func(realtime.Message) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, CodeForbidden, gwErr.Code)
}

func TestDialer_DetachStopsDelivery(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	publisher := f.connect(t, 1001, domain.RolePublisher)
	applicant := f.connect(t, 2001, domain.RoleApplicant)
	topic := pubsub.Topics.Mailbox(1001)

	var got received
	require.NoError(t, publisher.Channel(topic).Subscribe(context.Background(), got.add))
	require.Eventually(t, func() bool { return f.broker.SubscriberCount(topic) == 1 }, waitFor, pollEvery)

	require.NoError(t, publisher.Channel(topic).Detach(context.Background()))
	require.Eventually(t, func() bool { return f.broker.SubscriberCount(topic) == 0 }, waitFor, pollEvery)

	require.NoError(t, applicant.Channel(topic).Publish(context.Background(), envelope.EventChat, chatData(t, 2001, 1001, "gone")))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, got.snapshot())
}

func TestDialer_Presence(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	publisher := f.connect(t, 1001, domain.RolePublisher)
	admin := f.connect(t, 9999, domain.RoleAdmin)
	topic := pubsub.Topics.Mailbox(1001)

	var mu sync.Mutex
	var seen []realtime.PresenceMessage
	require.NoError(t, publisher.Channel(topic).Presence().Subscribe(context.Background(), func(p realtime.PresenceMessage) {
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
	}))

	presence := admin.Channel(topic).Presence()
	require.NoError(t, presence.Enter(context.Background()))
	require.NoError(t, presence.Leave(context.Background()))
	// Leaving twice is a no-op
	require.NoError(t, presence.Leave(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, waitFor, pollEvery)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, realtime.PresenceEnter, seen[0].Action)
	assert.Equal(t, "9999", seen[0].ClientID)
	assert.Equal(t, realtime.PresenceLeave, seen[1].Action)
}

func TestDialer_PublishRateLimited(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{PublishesPerMin: 1})
	applicant := f.connect(t, 2001, domain.RoleApplicant)
	ch := applicant.Channel(pubsub.Topics.Mailbox(1001))

	// Burst is five publishes
	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Publish(context.Background(), envelope.EventChat, chatData(t, 2001, 1001, "hi")))
	}

	err := ch.Publish(context.Background(), envelope.EventChat, chatData(t, 2001, 1001, "too many"))
	var gwErr *GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, CodeRateLimited, gwErr.Code)
}

// =============================================================================
// Broker Outages
// =============================================================================

func TestDialer_MirrorsBrokerOutage(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	publisher := f.connect(t, 1001, domain.RolePublisher)
	applicant := f.connect(t, 2001, domain.RoleApplicant)
	topic := pubsub.Topics.Mailbox(1001)

	var got received
	require.NoError(t, publisher.Channel(topic).Subscribe(context.Background(), got.add))

	f.broker.down.Store(true)
	require.Eventually(t, func() bool { return publisher.State() == realtime.StateDisconnected }, waitFor, pollEvery)

	err := publisher.Channel(topic).Publish(context.Background(), envelope.EventChat, []byte(`{}`))
	assert.ErrorIs(t, err, realtime.ErrDisconnected)

	f.broker.down.Store(false)
	require.Eventually(t, func() bool {
		return publisher.State() == realtime.StateConnected && applicant.State() == realtime.StateConnected
	}, waitFor, pollEvery)

	// The subscription survived the outage
	require.NoError(t, applicant.Channel(topic).Publish(context.Background(), envelope.EventChat, chatData(t, 2001, 1001, "back")))
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, waitFor, pollEvery)
}

// =============================================================================
// Protocol Errors (raw socket)
// =============================================================================

func rawRequest(t *testing.T, ws *websocket.Conn, eventType string, payload interface{}) *Message {
	t.Helper()
	msg, err := NewMessage(eventType, payload)
	require.NoError(t, err)
	msg.ID = "req-" + eventType
	require.NoError(t, ws.WriteJSON(msg))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		for _, frame := range strings.Split(string(data), "\n") {
			var reply Message
			require.NoError(t, json.Unmarshal([]byte(frame), &reply))
			if reply.ID == msg.ID {
				return &reply
			}
		}
	}
}

func errorCode(t *testing.T, msg *Message) string {
	t.Helper()
	require.Equal(t, EventTypeError, msg.Type)
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &p))
	return p.Code
}

func TestHub_RequiresAuthentication(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	ws, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	reply := rawRequest(t, ws, EventTypeAttach, ChannelPayload{Channel: "chat:mailbox:1001"})
	assert.Equal(t, CodeNotAuthenticated, errorCode(t, reply))

	reply = rawRequest(t, ws, "typing.start", struct{}{})
	assert.Equal(t, CodeUnknownEvent, errorCode(t, reply))

	reply = rawRequest(t, ws, EventTypeAuth, struct{}{})
	assert.Equal(t, CodeInvalidPayload, errorCode(t, reply))
}

func TestHub_ReauthWithAnotherClientRejected(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	ws, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	req, err := auth.NewLocalTokenProvider(f.tokens, 1001, domain.RolePublisher).Request(context.Background())
	require.NoError(t, err)
	reply := rawRequest(t, ws, EventTypeAuth, AuthPayload{TokenRequest: req})
	require.Equal(t, EventTypeAuthSuccess, reply.Type)

	var ok AuthSuccessPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &ok))
	assert.Equal(t, "1001", ok.ClientID)
	assert.Equal(t, string(realtime.StateConnected), ok.State)

	other, err := auth.NewLocalTokenProvider(f.tokens, 2001, domain.RoleApplicant).Request(context.Background())
	require.NoError(t, err)
	reply = rawRequest(t, ws, EventTypeAuth, AuthPayload{TokenRequest: other})
	assert.Equal(t, CodeClientMismatch, errorCode(t, reply))
}

// =============================================================================
// Chat Managers over the gateway
// =============================================================================

func TestMultiPublisherManager_OverGateway(t *testing.T) {
	f := newGatewayFixture(t, HubConfig{})
	d := NewDialer(f.url, WithDialerLogger(discardLogger()))
	m := chat.NewMultiPublisherManager(d,
		auth.NewLocalTokenProvider(f.tokens, 9999, domain.RoleAdmin),
		chat.WithLogger(discardLogger()),
		chat.WithRetryTimeout(retryBackoff))
	t.Cleanup(func() { m.Disconnect(context.Background()) })

	var mu sync.Mutex
	var inbox []envelope.Message
	m.AddMessageListener(func(msg envelope.Message) {
		mu.Lock()
		inbox = append(inbox, msg)
		mu.Unlock()
	})

	admin := domain.AdminUser{Identity: domain.Identity{Handle: 9999, DisplayName: "ops"}}
	require.NoError(t, m.Initialize(context.Background(), admin))
	require.Eventually(t, m.IsConnected, waitFor, pollEvery)

	publisher := domain.Publisher{ID: 1, Handle: 1001, Name: "Hiring", IsActive: true}
	require.True(t, m.SwitchPublisher(context.Background(), publisher))

	applicant := f.connect(t, 2001, domain.RoleApplicant)
	data := chatData(t, 2001, 1001, "is the role remote?")
	require.NoError(t, applicant.Channel(pubsub.Topics.Mailbox(1001)).Publish(context.Background(), envelope.EventChat, data))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(inbox) == 1
	}, waitFor, pollEvery)

	mu.Lock()
	got := inbox[0]
	mu.Unlock()
	assert.Equal(t, int64(2001), got.SenderID)
	assert.Equal(t, int64(1), got.PublisherID)
	assert.Equal(t, envelope.StatusSent, got.Status)

	// Reply as the admin lands in the applicant's mailbox
	var replies received
	require.NoError(t, applicant.Channel(pubsub.Topics.Mailbox(2001)).Subscribe(context.Background(), replies.add))

	out, err := m.CreateMessage(envelope.Params{
		ChatID:         got.ChatID,
		ReceiverHandle: 2001,
		MessageType:    envelope.TypeText,
		Content:        envelope.NewTextContent("yes"),
	})
	require.NoError(t, err)
	ok, err := m.SendMessage(context.Background(), out)
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool { return len(replies.snapshot()) == 1 }, waitFor, pollEvery)
	assert.Equal(t, "9999", replies.snapshot()[0].ClientID)

	assert.True(t, m.AcknowledgeMessages(context.Background(), got.ChatID, []string{got.MessageID}))
}
