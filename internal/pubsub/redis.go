package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces chat topics on a shared Redis
const DefaultRedisPrefix = "hirechat:"

// RedisPubSub implements PubSub over Redis channels so several gateways
// share mailboxes. Each subscription owns one Redis subscriber connection
// and dispatches from a single goroutine, which keeps publish order.
type RedisPubSub struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	mu            sync.RWMutex
	subscriptions map[uint64]*redisSubscription
	nextID        atomic.Uint64
	closed        bool
}

type RedisOption func(*RedisPubSub)

// WithRedisPrefix overrides the channel namespace. An empty prefix maps
// topics to Redis channels verbatim.
func WithRedisPrefix(prefix string) RedisOption {
	return func(ps *RedisPubSub) { ps.prefix = prefix }
}

func WithRedisLogger(logger *slog.Logger) RedisOption {
	return func(ps *RedisPubSub) { ps.logger = logger }
}

type redisSubscription struct {
	ps      *RedisPubSub
	id      uint64
	topic   string
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	handler Handler
	once    sync.Once
}

func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		s.ps.removeSub(s.id)
	})
	return err
}

// NewRedisPubSub connects to url (redis://[:password@]host:port[/db]) and
// verifies the server answers before returning.
func NewRedisPubSub(ctx context.Context, url string, opts ...RedisOption) (*RedisPubSub, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ps := NewRedisPubSubFromClient(client, opts...)
	ps.logger.Info("connected to Redis", "addr", redisOpts.Addr, "prefix", ps.prefix)
	return ps, nil
}

// NewRedisPubSubFromClient wraps an existing client. The client is closed with the PubSub.
func NewRedisPubSubFromClient(client *redis.Client, opts ...RedisOption) *RedisPubSub {
	ps := &RedisPubSub{
		client:        client,
		prefix:        DefaultRedisPrefix,
		logger:        slog.Default(),
		subscriptions: make(map[uint64]*redisSubscription),
	}
	for _, opt := range opts {
		opt(ps)
	}
	ps.logger = ps.logger.With("component", "pubsub", "backend", "redis")
	return ps
}

func (ps *RedisPubSub) channel(topic string) string {
	return ps.prefix + topic
}

// decodeRedisMessage turns a channel payload back into a Message. The topic
// is recovered from the channel name when the publisher left it empty.
func decodeRedisMessage(prefix, channel, payload string) (*Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, err
	}
	if msg.Topic == "" {
		msg.Topic = strings.TrimPrefix(channel, prefix)
	}
	return &msg, nil
}

// Publish sends msg to every subscriber of topic on any gateway
func (ps *RedisPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	ps.mu.RLock()
	closed := ps.closed
	ps.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	out := *msg
	out.Topic = topic
	data, err := json.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	receivers, err := ps.client.Publish(ctx, ps.channel(topic), data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish to redis: %w", err)
	}
	ps.logger.Debug("published to topic", "topic", topic, "msg_type", msg.Type, "receivers", receivers)
	return nil
}

// Subscribe waits for Redis to confirm the subscription, so a publish
// issued after Subscribe returns is never missed.
func (ps *RedisPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil, ErrClosed
	}

	rps := ps.client.Subscribe(ctx, ps.channel(topic))
	if _, err := rps.Receive(ctx); err != nil {
		_ = rps.Close()
		return nil, fmt.Errorf("failed to subscribe to redis channel: %w", err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		ps:      ps,
		id:      ps.nextID.Add(1),
		topic:   topic,
		pubsub:  rps,
		cancel:  cancel,
		handler: handler,
	}
	ps.subscriptions[sub.id] = sub

	go ps.receive(subCtx, sub)

	ps.logger.Debug("subscribed to topic", "topic", topic, "sub_id", sub.id)
	return sub, nil
}

func (ps *RedisPubSub) receive(ctx context.Context, sub *redisSubscription) {
	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case rm, ok := <-ch:
			if !ok {
				return
			}
			msg, err := decodeRedisMessage(ps.prefix, rm.Channel, rm.Payload)
			if err != nil {
				ps.logger.Error("failed to unmarshal message", "error", err, "topic", sub.topic)
				continue
			}
			ps.dispatch(ctx, sub, msg)
		}
	}
}

// dispatch isolates a panicking handler so the subscription keeps running
func (ps *RedisPubSub) dispatch(ctx context.Context, sub *redisSubscription, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			ps.logger.Error("subscription handler panicked", "topic", sub.topic, "panic", r)
		}
	}()
	sub.handler(ctx, msg)
}

func (ps *RedisPubSub) removeSub(id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.subscriptions, id)
}

// Ping checks the Redis connection.
func (ps *RedisPubSub) Ping(ctx context.Context) error {
	ps.mu.RLock()
	closed := ps.closed
	ps.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return ps.client.Ping(ctx).Err()
}

// Close cancels every subscription and closes the client
func (ps *RedisPubSub) Close() error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil
	}
	ps.closed = true
	subs := ps.subscriptions
	ps.subscriptions = make(map[uint64]*redisSubscription)
	ps.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() {
			sub.cancel()
			_ = sub.pubsub.Close()
		})
	}

	if err := ps.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis client: %w", err)
	}
	ps.logger.Info("Redis pubsub closed")
	return nil
}

// SubscriberCount returns the number of subscribers for a topic on this
// gateway only.
func (ps *RedisPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	count := 0
	for _, sub := range ps.subscriptions {
		if sub.topic == topic {
			count++
		}
	}
	return count
}
