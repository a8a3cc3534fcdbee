package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Conversation represents a two-party conversation document in MongoDB.
type Conversation struct {
	DocID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	ConversationID string             `json:"conversationId" bson:"conversation_id"`
	ParticipantIDs []string           `json:"participantIds" bson:"participant_ids"`
	CreatedAt      time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt      time.Time          `json:"updatedAt" bson:"updated_at"`
	LastMessageAt  time.Time          `json:"lastMessageAt" bson:"last_message_at"`
	LastMessage    *LastMessage       `json:"lastMessage" bson:"last_message"`
	IsActive       bool               `json:"isActive" bson:"is_active"`
}

// LastMessage stores the most recent message preview for conversation lists.
type LastMessage struct {
	MessageID string    `json:"messageId" bson:"message_id"`
	Content   string    `json:"content" bson:"content"`
	SenderID  string    `json:"senderId" bson:"sender_id"`
	SentAt    time.Time `json:"sentAt" bson:"sent_at"`
}
