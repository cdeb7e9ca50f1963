package domain

import "time"

// ReadReceipt records that a reader acknowledged a message in a chat session.
type ReadReceipt struct {
	ChatID    int64     `json:"chat_id"`
	MessageID string    `json:"message_id"`
	Reader    int64     `json:"reader,omitempty"` // 0 when the ack carried no client id
	ReadAt    time.Time `json:"read_at"`
}
