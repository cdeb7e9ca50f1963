package pubsub

import (
	"context"
	"log/slog"
	"sync"
)

// memorySubscription is a subscription to a topic. Messages are queued and
// handed to the handler one at a time by a dedicated goroutine so a slow
// handler never blocks the publisher and delivery order is preserved.
type memorySubscription struct {
	ps      *MemoryPubSub
	topic   string
	handler Handler
	id      uint64

	mu     sync.Mutex
	queue  []*Message
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *memorySubscription) Unsubscribe() error {
	s.ps.unsubscribe(s.topic, s.id)
	s.cancel()
	return nil
}

func (s *memorySubscription) enqueue(msg *Message) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if s.ctx.Err() != nil {
				return
			}
			s.handler(s.ctx, msg)
		}
	}
}

// MemoryPubSub implements PubSub using an in-memory map.
// Suitable for single-instance deployments and tests.
type MemoryPubSub struct {
	mu          sync.RWMutex
	subscribers map[string]map[uint64]*memorySubscription
	nextID      uint64
	closed      bool
	logger      *slog.Logger
}

// NewMemoryPubSub creates a new in-memory pub/sub instance
func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{
		subscribers: make(map[string]map[uint64]*memorySubscription),
		logger:      slog.Default().With("component", "pubsub", "backend", "memory"),
	}
}

// Publish queues the message on every subscription of the topic
func (ps *MemoryPubSub) Publish(ctx context.Context, topic string, msg *Message) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ps.mu.RLock()
	if ps.closed {
		ps.mu.RUnlock()
		return ErrClosed
	}

	subs, ok := ps.subscribers[topic]
	if !ok || len(subs) == 0 {
		ps.mu.RUnlock()
		ps.logger.Debug("no subscribers for topic", "topic", topic, "msg_type", msg.Type)
		return nil
	}

	// Snapshot subscriptions to avoid holding lock while queueing
	targets := make([]*memorySubscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	ps.mu.RUnlock()

	ps.logger.Debug("publishing to topic", "topic", topic, "msg_type", msg.Type, "subscriber_count", len(targets))

	for _, sub := range targets {
		sub.enqueue(msg)
	}

	return nil
}

// Subscribe registers a handler for the given topic
func (ps *MemoryPubSub) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return nil, ErrClosed
	}

	ps.nextID++
	id := ps.nextID

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &memorySubscription{
		ps:      ps,
		topic:   topic,
		handler: handler,
		id:      id,
		wake:    make(chan struct{}, 1),
		ctx:     subCtx,
		cancel:  cancel,
	}

	if ps.subscribers[topic] == nil {
		ps.subscribers[topic] = make(map[uint64]*memorySubscription)
	}
	ps.subscribers[topic][id] = sub

	go sub.run()

	return sub, nil
}

func (ps *MemoryPubSub) unsubscribe(topic string, id uint64) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if subs, ok := ps.subscribers[topic]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(ps.subscribers, topic)
		}
	}
}

// Ping fails only once the broker has been closed
func (ps *MemoryPubSub) Ping(ctx context.Context) error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.closed {
		return ErrClosed
	}
	return nil
}

// Close shuts down the pub/sub and prevents new operations
func (ps *MemoryPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.closed = true
	for _, subs := range ps.subscribers {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	ps.subscribers = make(map[string]map[uint64]*memorySubscription)
	return nil
}

// SubscriberCount returns the number of subscribers for a topic (useful for testing)
func (ps *MemoryPubSub) SubscriberCount(topic string) int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers[topic])
}

// TopicCount returns the number of active topics (useful for testing)
func (ps *MemoryPubSub) TopicCount() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.subscribers)
}
