package model

import (
	"time"
)

// Author identifies which side of the relay wrote a message.
type Author string

const (
	AuthorEndUser  Author = "end-user"
	AuthorOperator Author = "operator"
)

// Message is an immutable chat message in a support conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Author         Author    `json:"author"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
}

// PostMessageRequest is the request body of the widget message endpoint.
type PostMessageRequest struct {
	CID    string `json:"cid" validate:"omitempty,max=128"`
	Text   string `json:"text"`
	Name   string `json:"name" validate:"omitempty,max=128"`
	Email  string `json:"email" validate:"omitempty,email,max=254"`
	UserID string `json:"userId" validate:"omitempty,max=128"`
}

// Metadata returns the session identity carried by the request.
func (r *PostMessageRequest) Metadata() SessionMetadata {
	return SessionMetadata{UserName: r.Name, UserID: r.UserID, Email: r.Email}
}

// OperatorMessageRequest is a staff reply addressed by operator thread id.
type OperatorMessageRequest struct {
	ThreadID string `json:"threadId" validate:"required,max=64"`
	Text     string `json:"text"`
}

// PostMessageResponse is the response after storing a message.
type PostMessageResponse struct {
	OK      bool     `json:"ok"`
	Message *Message `json:"message"`
}

// MessagesResponse is the response of the poll and history endpoints.
type MessagesResponse struct {
	OK       bool      `json:"ok"`
	Messages []Message `json:"messages"`
}
