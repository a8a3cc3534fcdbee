package model

import "time"

// TypingIndicator is ephemeral: only the latest value per
// (conversationId, userId) matters, and consumers must treat a stale
// isTyping=true as false once the refresh window lapses.
type TypingIndicator struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// OnlineStatus is global to a user, not per-conversation.
type OnlineStatus struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}
