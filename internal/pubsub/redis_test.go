package pubsub

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unreachableRedis points at a port nothing listens on
func unreachableRedis(opts ...RedisOption) *RedisPubSub {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	opts = append([]RedisOption{WithRedisLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewRedisPubSubFromClient(client, opts...)
}

func TestDecodeRedisMessage(t *testing.T) {
	msg, err := decodeRedisMessage("hirechat:", "hirechat:chat:mailbox:7", `{"type":"chat.message","payload":{"a":1}}`)
	require.NoError(t, err)
	assert.Equal(t, "chat:mailbox:7", msg.Topic)
	assert.Equal(t, "chat.message", msg.Type)
	assert.JSONEq(t, `{"a":1}`, string(msg.Payload))

	msg, err = decodeRedisMessage("hirechat:", "hirechat:chat:mailbox:7", `{"topic":"chat:ack:server","type":"chat.ack"}`)
	require.NoError(t, err)
	assert.Equal(t, "chat:ack:server", msg.Topic)

	_, err = decodeRedisMessage("", "x", `not json`)
	assert.Error(t, err)
}

func TestRedisPubSub_ChannelPrefix(t *testing.T) {
	ps := unreachableRedis()
	defer ps.Close()
	assert.Equal(t, "hirechat:chat:ack:server", ps.channel(Topics.Ack()))

	bare := unreachableRedis(WithRedisPrefix(""))
	defer bare.Close()
	assert.Equal(t, "chat:ack:server", bare.channel(Topics.Ack()))
}

func TestRedisPubSub_EmptyTopic(t *testing.T) {
	ps := unreachableRedis()
	defer ps.Close()

	assert.ErrorIs(t, ps.Publish(context.Background(), "", &Message{}), ErrEmptyTopic)
	_, err := ps.Subscribe(context.Background(), "", func(context.Context, *Message) {})
	assert.ErrorIs(t, err, ErrEmptyTopic)
}

func TestRedisPubSub_Unreachable(t *testing.T) {
	ps := unreachableRedis()
	defer ps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.Error(t, ps.Ping(ctx))
	assert.Error(t, ps.Publish(ctx, Topics.Mailbox(1), &Message{Type: "chat.message"}))
	_, err := ps.Subscribe(ctx, Topics.Mailbox(1), func(context.Context, *Message) {})
	assert.Error(t, err)
	assert.Zero(t, ps.SubscriberCount(Topics.Mailbox(1)))
}

func TestRedisPubSub_Closed(t *testing.T) {
	ps := unreachableRedis()
	require.NoError(t, ps.Close())
	assert.NoError(t, ps.Close())

	ctx := context.Background()
	assert.ErrorIs(t, ps.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, ps.Publish(ctx, Topics.Ack(), &Message{}), ErrClosed)
	_, err := ps.Subscribe(ctx, Topics.Ack(), func(context.Context, *Message) {})
	assert.ErrorIs(t, err, ErrClosed)
}
