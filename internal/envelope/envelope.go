// Package envelope builds and parses the wire wrapper exchanged on chat
// mailbox topics and the read-acknowledgement records sent to the ack topic.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event names published on chat topics
const (
	EventChat = "chat.message"
	EventAck  = "chat.ack"
)

// Type tags the content encoding of a message.
type Type int

const (
	TypeText  Type = 1
	TypeImage Type = 2
	TypeFile  Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeImage:
		return "image"
	case TypeFile:
		return "file"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Status is the local delivery state of an outgoing message.
type Status int

const (
	StatusSending Status = 0
	StatusSent    Status = 1
	StatusFailed  Status = 2
)

// Terminal reports whether the status may no longer change on its own.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

var (
	ErrMissingProperties = errors.New("envelope: missing properties")
	ErrMissingMessageID  = errors.New("envelope: missing message id")
)

// Properties is the routing and correlation block carried on the wire.
type Properties struct {
	ChatID      int64  `json:"chatId"`
	MessageID   string `json:"messageId"`
	MessageType Type   `json:"messageType"`
	Content     string `json:"content"`
	SenderID    int64  `json:"senderId"`
	ReceiverID  int64  `json:"receiverId"`
}

// Envelope is the JSON object published on a mailbox topic.
type Envelope struct {
	Properties *Properties `json:"properties"`
}

// Message is the normalized record handed to listeners and returned by
// CreateMessage. PublisherID and ApplicantID are routing tags added by the
// multi-publisher session; they never travel on the wire.
type Message struct {
	ChatID      int64  `json:"chatId"`
	MessageID   string `json:"messageId"`
	MessageType Type   `json:"messageType"`
	Content     string `json:"content"`
	SenderID    int64  `json:"senderId"`
	ReceiverID  int64  `json:"receiverId"`
	Timestamp   int64  `json:"timestamp"` // unix millis, local creation or receipt time
	Status      Status `json:"status"`
	PublisherID int64  `json:"publisherId,omitempty"`
	ApplicantID int64  `json:"applicantId,omitempty"`
}

// Properties returns the wire block for m.
func (m Message) Properties() Properties {
	return Properties{
		ChatID:      m.ChatID,
		MessageID:   m.MessageID,
		MessageType: m.MessageType,
		Content:     m.Content,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
	}
}

// WithStatus returns a copy of m moved to status. A message that already
// reached a terminal status is returned unchanged with ok=false.
func (m Message) WithStatus(status Status) (Message, bool) {
	if m.Status.Terminal() {
		return m, false
	}
	m.Status = status
	return m, true
}

// Retry returns a sending copy of a failed message keeping its message id,
// so optimistic UI state still reconciles. Only failed messages can retry.
func (m Message) Retry() (Message, bool) {
	if m.Status != StatusFailed {
		return m, false
	}
	m.Status = StatusSending
	return m, true
}

// Params describes a message to create.
type Params struct {
	ChatID         int64
	ReceiverHandle int64
	MessageType    Type
	Content        any // serialized to JSON into Message.Content
}

// New creates an outgoing message from sender with a fresh message id and
// status sending. It does not publish anything.
func New(sender int64, p Params, now time.Time) (Message, error) {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return Message{}, fmt.Errorf("serialize content: %w", err)
	}

	return Message{
		ChatID:      p.ChatID,
		MessageID:   uuid.NewString(),
		MessageType: p.MessageType,
		Content:     string(content),
		SenderID:    sender,
		ReceiverID:  p.ReceiverHandle,
		Timestamp:   now.UnixMilli(),
		Status:      StatusSending,
	}, nil
}

// Build encodes the wire envelope for m.
func Build(m Message) ([]byte, error) {
	props := m.Properties()
	return json.Marshal(Envelope{Properties: &props})
}

// Parse decodes a wire envelope. Both a raw JSON object and a JSON string
// holding the object are accepted, since some publishers double-encode.
func Parse(data []byte) (Properties, error) {
	raw := data
	var quoted string
	if err := json.Unmarshal(data, &quoted); err == nil {
		raw = []byte(quoted)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Properties{}, err
	}
	if env.Properties == nil {
		return Properties{}, ErrMissingProperties
	}
	if env.Properties.MessageID == "" {
		return Properties{}, ErrMissingMessageID
	}
	return *env.Properties, nil
}

// Normalize turns decoded properties into a listener record stamped with
// the local receipt time.
func Normalize(p Properties, receivedAt time.Time) Message {
	return Message{
		ChatID:      p.ChatID,
		MessageID:   p.MessageID,
		MessageType: p.MessageType,
		Content:     p.Content,
		SenderID:    p.SenderID,
		ReceiverID:  p.ReceiverID,
		Timestamp:   receivedAt.UnixMilli(),
		Status:      StatusSent,
	}
}

// Ack is the read-acknowledgement record published on the ack topic.
type Ack struct {
	ChatID     int64    `json:"chat_id"`
	MessageIDs []string `json:"message_ids"`
}

// BuildAck encodes an ack record. A nil id list is sent as an empty array.
func BuildAck(chatID int64, messageIDs []string) ([]byte, error) {
	if messageIDs == nil {
		messageIDs = []string{}
	}
	return json.Marshal(Ack{ChatID: chatID, MessageIDs: messageIDs})
}

// ParseAck decodes an ack record.
func ParseAck(data []byte) (Ack, error) {
	var ack Ack
	if err := json.Unmarshal(data, &ack); err != nil {
		return Ack{}, err
	}
	return ack, nil
}
