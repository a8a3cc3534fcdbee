package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MessageStatus tracks a message through its delivery lifecycle.
// Transitions are monotonic (sending -> sent -> delivered -> read),
// except that failed is terminal and reachable only from sending.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the position of s in the delivery progression, or -1 for
// failed and unknown statuses.
func (s MessageStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// Message types
const (
	MessageTypeText   = "text"
	MessageTypeImage  = "image"
	MessageTypeFile   = "file"
	MessageTypeSystem = "system"
)

// Message represents a single chat message. ID is assigned by the store on
// a successful send and is empty while the message is in flight.
type Message struct {
	DocID          primitive.ObjectID `json:"-" bson:"_id,omitempty"`
	ID             string             `json:"id" bson:"message_id"`
	ConversationID string             `json:"conversationId" bson:"conversation_id"`
	SenderID       string             `json:"senderId" bson:"sender_id"`
	Content        string             `json:"content" bson:"body"`
	Type           string             `json:"messageType" bson:"type"`
	Status         MessageStatus      `json:"status" bson:"status"`
	CreatedAt      time.Time          `json:"createdAt" bson:"created_at"`
	Metadata       *Attachment        `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Attachment describes a file payload carried by an image/file message.
type Attachment struct {
	FileName string `json:"fileName" bson:"file_name"`
	FileSize int64  `json:"fileSize" bson:"file_size"`
	MimeType string `json:"mimeType" bson:"mime_type"`
}

// Before reports whether m sorts ahead of other in a conversation stream.
// Ordering is total on (createdAt, id).
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
