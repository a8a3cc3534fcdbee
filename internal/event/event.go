package event

import (
	"encoding/json"
	"fmt"
	"time"

	"Chatline/internal/model"
)

// Envelope event types
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
	TypeRead    = "read"
	TypeOnline  = "online"
	TypeOffline = "offline"
)

// Envelope is the only shape transmitted over the push transport. Data is a
// discriminated payload matching Type; Timestamp is origin time in unix
// milliseconds.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// ReadPayload acknowledges that messages have been seen by the recipient.
type ReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// PresencePayload carries the subject of an online/offline event.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// New wraps a payload into an envelope of the given type.
func New(typ string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{
		Type:      typ,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// Message decodes a message envelope payload.
func (e Envelope) Message() (model.Message, error) {
	var m model.Message
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return model.Message{}, fmt.Errorf("decode message payload: %w", err)
	}
	return m, nil
}

// Typing decodes a typing envelope payload.
func (e Envelope) Typing() (model.TypingIndicator, error) {
	var t model.TypingIndicator
	if err := json.Unmarshal(e.Data, &t); err != nil {
		return model.TypingIndicator{}, fmt.Errorf("decode typing payload: %w", err)
	}
	return t, nil
}

// Read decodes a read-receipt envelope payload.
func (e Envelope) Read() (ReadPayload, error) {
	var r ReadPayload
	if err := json.Unmarshal(e.Data, &r); err != nil {
		return ReadPayload{}, fmt.Errorf("decode read payload: %w", err)
	}
	return r, nil
}

// Presence decodes an online/offline envelope payload.
func (e Envelope) Presence() (PresencePayload, error) {
	var p PresencePayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return PresencePayload{}, fmt.Errorf("decode presence payload: %w", err)
	}
	return p, nil
}
