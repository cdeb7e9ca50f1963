package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/hirechat/internal/chat"
	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/envelope"
)

type fakeSession struct {
	sent     []envelope.Message
	acked    []string
	sendOK   bool
	ackOK    bool
	messages []chat.MessageListener
}

func (f *fakeSession) CreateMessage(p envelope.Params) (envelope.Message, error) {
	return envelope.New(1, p, testNow())
}

func (f *fakeSession) SendMessage(_ context.Context, msg envelope.Message) (bool, error) {
	f.sent = append(f.sent, msg)
	return f.sendOK, nil
}

func (f *fakeSession) AcknowledgeMessages(_ context.Context, _ int64, ids []string) bool {
	f.acked = append(f.acked, ids...)
	return f.ackOK
}

func (f *fakeSession) AddMessageListener(fn chat.MessageListener) chat.ListenerID {
	f.messages = append(f.messages, fn)
	return chat.ListenerID(len(f.messages))
}

func (f *fakeSession) AddPresenceListener(chat.PresenceListener) chat.ListenerID { return 1 }

func (f *fakeSession) IsConnected() bool { return true }

func (f *fakeSession) Disconnect(context.Context) {}

func newTestConsole(sess *fakeSession) (*console, *bytes.Buffer) {
	var out bytes.Buffer
	return &console{out: &out, session: sess}, &out
}

// =============================================================================
// Commands
// =============================================================================

func TestConsole_Send(t *testing.T) {
	sess := &fakeSession{sendOK: true}
	c, out := newTestConsole(sess)

	assert.False(t, c.exec(context.Background(), "send 12 34 hello there"))
	require.Len(t, sess.sent, 1)
	assert.Equal(t, int64(12), sess.sent[0].ChatID)
	assert.Equal(t, int64(34), sess.sent[0].ReceiverID)
	assert.Equal(t, envelope.TypeText, sess.sent[0].MessageType)
	assert.Contains(t, sess.sent[0].Content, "hello there")
	assert.Contains(t, out.String(), "sent "+sess.sent[0].MessageID)
}

func TestConsole_SendFailure(t *testing.T) {
	c, out := newTestConsole(&fakeSession{})
	c.exec(context.Background(), "send 12 34 hi")
	assert.Contains(t, out.String(), "failed to send")
}

func TestConsole_Ack(t *testing.T) {
	sess := &fakeSession{ackOK: true}
	c, out := newTestConsole(sess)

	c.exec(context.Background(), "ack 12 m1 m2")
	assert.Equal(t, []string{"m1", "m2"}, sess.acked)
	assert.Empty(t, out.String())
}

func TestConsole_UsageErrors(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"send 12", "usage: send"},
		{"send x 34 hi", `invalid number "x"`},
		{"ack 12", "usage: ack"},
		{"switch 1", "needs an admin session"},
		{"open 1 2", "need an admin session"},
		{"bogus", "unknown command"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, out := newTestConsole(&fakeSession{})
			c.exec(context.Background(), tt.line)
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestConsole_Quit(t *testing.T) {
	c, _ := newTestConsole(&fakeSession{})
	assert.True(t, c.exec(context.Background(), "quit"))
	assert.False(t, c.exec(context.Background(), "   "))
}

func TestConsole_OnMessage(t *testing.T) {
	c, out := newTestConsole(&fakeSession{})
	msg, err := envelope.New(9, envelope.Params{
		ChatID:      3,
		MessageType: envelope.TypeText,
		Content:     envelope.NewTextContent("hi"),
	}, testNow())
	require.NoError(t, err)
	msg.PublisherID = 2

	c.onMessage(msg)
	line := out.String()
	assert.True(t, strings.HasPrefix(line, "[publisher 2] "))
	assert.Contains(t, line, "chat=3 from=9")
}

// =============================================================================
// Flags
// =============================================================================

func TestParsePublisher(t *testing.T) {
	p, err := parsePublisher("7:700:Acme Hiring")
	require.NoError(t, err)
	assert.Equal(t, domain.Publisher{ID: 7, Handle: 700, Name: "Acme Hiring", IsActive: true}, p)

	for _, bad := range []string{"7", "x:700", "7:y", "0:700"} {
		_, err := parsePublisher(bad)
		assert.Error(t, err, bad)
	}
}

func TestRun_RequiresHandleAndTokenSource(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	err := run(context.Background(), options{}, strings.NewReader(""), io.Discard, logger)
	assert.ErrorContains(t, err, "--handle")

	err = run(context.Background(), options{handle: 5}, strings.NewReader(""), io.Discard, logger)
	assert.ErrorContains(t, err, "--api or --signing-key")
}

func testNow() time.Time {
	return time.UnixMilli(1700000000000)
}
