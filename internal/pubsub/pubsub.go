// Package pubsub provides an interface-driven pub/sub broker for chat topics.
// Single-instance deployments use the in-memory implementation; the Redis
// backend lets several gateways share mailboxes.
package pubsub

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// Message represents a pub/sub message with typed payload
type Message struct {
	Topic     string          `json:"topic"`
	Type      string          `json:"type"`                // event name, e.g. "chat.message"
	ClientID  string          `json:"client_id,omitempty"` // publishing client, used for presence attribution
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix millis, set by the publisher
}

// Handler is a callback for processing messages
type Handler func(ctx context.Context, msg *Message)

// Subscription represents an active subscription that can be closed
type Subscription interface {
	// Unsubscribe removes the subscription
	Unsubscribe() error
}

// PubSub defines the interface for publish/subscribe operations.
// All implementations must be safe for concurrent use, and must deliver
// messages to a single subscription in publish order.
type PubSub interface {
	// Publish sends a message to all subscribers of the given topic.
	// Returns error if the message could not be published.
	Publish(ctx context.Context, topic string, msg *Message) error

	// Subscribe registers a handler for messages on the given topic.
	// The handler is called for each message published to the topic.
	// Returns a Subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// Ping reports whether the broker is reachable.
	Ping(ctx context.Context) error

	// Close shuts down the pub/sub system and releases resources.
	Close() error
}

const mailboxPrefix = "chat:mailbox:"

// TopicBuilder maps participants to topic names. Every method is a pure
// function of its arguments.
type TopicBuilder struct{}

// Mailbox returns the inbound topic of the participant with this handle
func (t TopicBuilder) Mailbox(handle int64) string {
	return mailboxPrefix + strconv.FormatInt(handle, 10)
}

// Send returns the topic to publish on to reach targetHandle. It is the
// target's mailbox, never the sender's.
func (t TopicBuilder) Send(targetHandle int64) string {
	return t.Mailbox(targetHandle)
}

// AnyMailbox returns a wildcard pattern matching every mailbox topic
func (t TopicBuilder) AnyMailbox() string {
	return mailboxPrefix + "*"
}

// Ack returns the global read-receipt topic
func (t TopicBuilder) Ack() string {
	return "chat:ack:server"
}

// Presence returns the topic carrying presence actions for topic
func (t TopicBuilder) Presence(topic string) string {
	return topic + ":presence"
}

// MailboxOwner extracts the handle from a mailbox topic name.
func (t TopicBuilder) MailboxOwner(topic string) (int64, bool) {
	rest, ok := strings.CutPrefix(topic, mailboxPrefix)
	if !ok {
		return 0, false
	}
	handle, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || handle <= 0 {
		return 0, false
	}
	return handle, true
}

// Topics is a helper for building topic names
var Topics = TopicBuilder{}
