// Package store defines the storage contracts behind the support relay.
package store

import (
	"context"
	"time"

	"github.com/shiftdesk/support-relay/internal/model"
)

// MessageStore keeps the per-conversation message log and its delivery cursor.
type MessageStore interface {
	// Append adds msg to its conversation. The conversation's session must exist.
	Append(ctx context.Context, msg *model.Message) error

	// DrainUnread returns every message not returned by an earlier drain and marks
	// them delivered. Unknown conversations yield an empty slice.
	DrainUnread(ctx context.Context, conversationID string) ([]model.Message, error)

	// ListAll returns the full history without touching delivery state.
	ListAll(ctx context.Context, conversationID string) ([]model.Message, error)
}

// SessionRegistry keeps session metadata and the operator thread reverse index.
type SessionRegistry interface {
	// GetOrCreate returns the existing session or inserts a new one built from meta.
	// The boolean reports whether the session was created by this call.
	GetOrCreate(ctx context.Context, conversationID string, meta model.SessionMetadata) (*model.Session, bool, error)

	// Get returns the session or a not_found error.
	Get(ctx context.Context, conversationID string) (*model.Session, error)

	// AttachExternalThread links the session to threadID once. Relinking to a
	// different thread, or reusing a thread owned by another session, is a conflict.
	AttachExternalThread(ctx context.Context, conversationID, threadID string) (*model.Session, error)

	// FindByExternalThread returns nil without error when no session owns threadID.
	FindByExternalThread(ctx context.Context, threadID string) (*model.Session, error)

	// List returns sessions ordered by most recent activity, plus the total count.
	List(ctx context.Context, limit, offset int) ([]model.Session, int, error)
}

// Sweeper evicts sessions idle since before cutoff, along with their messages.
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

// Pinger reports backend health for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend is a complete relay storage implementation.
type Backend interface {
	MessageStore
	SessionRegistry
	Sweeper
	Pinger
}
