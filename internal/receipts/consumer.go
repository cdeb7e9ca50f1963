// Package receipts persists the read acknowledgements chat sessions
// publish on the ack topic.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/envelope"
	"github.com/observer/hirechat/internal/metrics"
	"github.com/observer/hirechat/internal/pubsub"
)

const storeTimeout = 5 * time.Second

// Store persists read receipts
type Store interface {
	SaveReceipts(ctx context.Context, receipts []domain.ReadReceipt) (int, error)
}

// Consumer subscribes the ack topic and stores a receipt per acknowledged
// message id. Malformed acks are logged and dropped.
type Consumer struct {
	broker pubsub.PubSub
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	sub pubsub.Subscription
}

func NewConsumer(broker pubsub.PubSub, store Store, logger *slog.Logger) *Consumer {
	return &Consumer{
		broker: broker,
		store:  store,
		logger: logger.With("component", "receipts"),
		now:    time.Now,
	}
}

// Start subscribes the ack topic. Calling Start twice is an error.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sub != nil {
		return errors.New("receipts: consumer already started")
	}
	topic := pubsub.Topics.Ack()
	sub, err := c.broker.Subscribe(ctx, topic, c.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.sub = sub
	c.logger.Info("consuming read acknowledgements", "topic", topic)
	return nil
}

// Stop unsubscribes; it is safe to call on a stopped consumer.
func (c *Consumer) Stop() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (c *Consumer) handle(ctx context.Context, msg *pubsub.Message) {
	if msg.Type != envelope.EventAck {
		return
	}

	ack, err := envelope.ParseAck(msg.Payload)
	if err != nil {
		c.logger.Warn("dropping malformed ack", "error", &domain.DecodeError{Topic: msg.Topic, Err: err})
		return
	}

	reader, _ := domain.ParseClientID(msg.ClientID)
	readAt := c.now()
	if msg.Timestamp > 0 {
		readAt = time.UnixMilli(msg.Timestamp)
	}

	receipts := FromAck(ack, reader, readAt)
	if len(receipts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	stored, err := c.store.SaveReceipts(ctx, receipts)
	if err != nil {
		c.logger.Error("failed to store read receipts", "chat_id", ack.ChatID, "count", len(receipts), "error", err)
		return
	}
	metrics.ReceiptsStored.Add(float64(stored))
	c.logger.Debug("stored read receipts", "chat_id", ack.ChatID, "reader", reader, "stored", stored)
}

// FromAck expands an ack into one receipt per distinct non-empty message id,
// in the order the ids were acknowledged.
func FromAck(ack envelope.Ack, reader int64, readAt time.Time) []domain.ReadReceipt {
	seen := make(map[string]bool, len(ack.MessageIDs))
	receipts := make([]domain.ReadReceipt, 0, len(ack.MessageIDs))
	for _, id := range ack.MessageIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		receipts = append(receipts, domain.ReadReceipt{
			ChatID:    ack.ChatID,
			MessageID: id,
			Reader:    reader,
			ReadAt:    readAt,
		})
	}
	return receipts
}
