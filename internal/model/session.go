// Package model defines data structures for the support relay.
package model

import (
	"time"
)

// SessionState describes how far a session has progressed.
type SessionState string

const (
	SessionStateActive SessionState = "active"
	SessionStateLinked SessionState = "linked"
)

// SessionMetadata is the optional identity supplied by the chat widget.
type SessionMetadata struct {
	UserName string `json:"user_name,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email,omitempty"`
}

// Session is the identity and metadata of one support conversation.
type Session struct {
	ConversationID   string    `json:"conversation_id"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	UserName         string    `json:"user_name,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	Email            string    `json:"email,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
}

// NewSession builds a session for conversationID from the widget metadata.
func NewSession(conversationID string, meta SessionMetadata, now time.Time) *Session {
	return &Session{
		ConversationID: conversationID,
		UserName:       meta.UserName,
		UserID:         meta.UserID,
		Email:          meta.Email,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// State reports whether the session is linked to an operator thread yet.
func (s *Session) State() SessionState {
	if s.ExternalThreadID != "" {
		return SessionStateLinked
	}
	return SessionStateActive
}

// Metadata returns the widget-supplied identity of the session.
func (s *Session) Metadata() SessionMetadata {
	return SessionMetadata{UserName: s.UserName, UserID: s.UserID, Email: s.Email}
}

// StartSessionRequest is the request to open a support conversation.
type StartSessionRequest struct {
	Name   string `json:"name" validate:"omitempty,max=128"`
	Email  string `json:"email" validate:"omitempty,email,max=254"`
	UserID string `json:"userId" validate:"omitempty,max=128"`
}

// StartSessionResponse carries the generated conversation id.
type StartSessionResponse struct {
	OK  bool   `json:"ok"`
	CID string `json:"cid"`
}

// AttachThreadRequest links a session to an operator thread by hand.
type AttachThreadRequest struct {
	ThreadID string `json:"threadId" validate:"required,max=64"`
}

// SessionResponse wraps a single session.
type SessionResponse struct {
	OK      bool         `json:"ok"`
	Session *Session     `json:"session"`
	State   SessionState `json:"state"`
}

// ListSessionsResponse is the response for listing sessions.
type ListSessionsResponse struct {
	OK       bool      `json:"ok"`
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}
