package model

import (
	"time"
)

// EventType represents the type of relay event.
type EventType string

const (
	EventTypeUserMessage EventType = "user_message"
)

// RelayEvent asks the operator side to deliver an end-user message.
type RelayEvent struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	Session        SessionMetadata `json:"session"`
	Message        Message         `json:"message"`
	CreatedAt      time.Time       `json:"created_at"`
}
