// Package memory provides the process-local relay store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shiftdesk/support-relay/internal/model"
)

// conversation is the state of one conversation. Its mutex serialises appends,
// drains and session updates for that conversation only.
type conversation struct {
	mu        sync.Mutex
	session   model.Session
	messages  []model.Message
	delivered int
}

// Store is an in-memory implementation of store.Backend.
//
// Lock order is Store.mu before conversation.mu.
type Store struct {
	mu      sync.RWMutex
	convs   map[string]*conversation
	threads map[string]string // external thread id -> conversation id

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		convs:   make(map[string]*conversation),
		threads: make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) lookup(conversationID string) *conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.convs[conversationID]
}

func (c *conversation) snapshot() *model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.session
	return &sess
}

// GetOrCreate returns the session for conversationID, creating it from meta if absent.
func (s *Store) GetOrCreate(ctx context.Context, conversationID string, meta model.SessionMetadata) (*model.Session, bool, error) {
	if conv := s.lookup(conversationID); conv != nil {
		return conv.snapshot(), false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conv, exists := s.convs[conversationID]; exists {
		return conv.snapshot(), false, nil
	}

	conv := &conversation{session: *model.NewSession(conversationID, meta, s.now())}
	s.convs[conversationID] = conv

	return conv.snapshot(), true, nil
}

// Get returns the session for conversationID.
func (s *Store) Get(ctx context.Context, conversationID string) (*model.Session, error) {
	conv := s.lookup(conversationID)
	if conv == nil {
		return nil, model.NewNotFoundError("session not found")
	}
	return conv.snapshot(), nil
}

// AttachExternalThread links conversationID to threadID, creating the session if needed.
func (s *Store) AttachExternalThread(ctx context.Context, conversationID, threadID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, taken := s.threads[threadID]; taken && owner != conversationID {
		return nil, model.NewConflictError("thread already linked to another session")
	}

	conv, exists := s.convs[conversationID]
	if !exists {
		conv = &conversation{session: *model.NewSession(conversationID, model.SessionMetadata{}, s.now())}
		s.convs[conversationID] = conv
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	switch conv.session.ExternalThreadID {
	case threadID:
	case "":
		conv.session.ExternalThreadID = threadID
		s.threads[threadID] = conversationID
	default:
		return nil, model.NewConflictError("session already linked to a different thread")
	}

	sess := conv.session
	return &sess, nil
}

// FindByExternalThread returns the session owning threadID, or nil.
func (s *Store) FindByExternalThread(ctx context.Context, threadID string) (*model.Session, error) {
	s.mu.RLock()
	conversationID, ok := s.threads[threadID]
	conv := s.convs[conversationID]
	s.mu.RUnlock()

	if !ok || conv == nil {
		return nil, nil
	}
	return conv.snapshot(), nil
}

// List returns sessions ordered by most recent activity.
func (s *Store) List(ctx context.Context, limit, offset int) ([]model.Session, int, error) {
	s.mu.RLock()
	sessions := make([]model.Session, 0, len(s.convs))
	for _, conv := range s.convs {
		sessions = append(sessions, *conv.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].LastActivityAt.Equal(sessions[j].LastActivityAt) {
			return sessions[i].ConversationID < sessions[j].ConversationID
		}
		return sessions[i].LastActivityAt.After(sessions[j].LastActivityAt)
	})

	total := len(sessions)
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return sessions[start:end], total, nil
}

// Append adds msg to its conversation log.
func (s *Store) Append(ctx context.Context, msg *model.Message) error {
	conv := s.lookup(msg.ConversationID)
	if conv == nil {
		return model.NewNotFoundError("session not found")
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.messages = append(conv.messages, *msg)
	if msg.CreatedAt.After(conv.session.LastActivityAt) {
		conv.session.LastActivityAt = msg.CreatedAt
	}

	return nil
}

// DrainUnread returns undelivered messages and advances the delivery cursor.
func (s *Store) DrainUnread(ctx context.Context, conversationID string) ([]model.Message, error) {
	conv := s.lookup(conversationID)
	if conv == nil {
		return []model.Message{}, nil
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	unread := make([]model.Message, len(conv.messages)-conv.delivered)
	copy(unread, conv.messages[conv.delivered:])
	conv.delivered = len(conv.messages)

	return unread, nil
}

// ListAll returns the whole conversation history.
func (s *Store) ListAll(ctx context.Context, conversationID string) ([]model.Message, error) {
	conv := s.lookup(conversationID)
	if conv == nil {
		return []model.Message{}, nil
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	all := make([]model.Message, len(conv.messages))
	copy(all, conv.messages)

	return all, nil
}

// Sweep removes sessions whose last activity is before cutoff.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for id, conv := range s.convs {
		conv.mu.Lock()
		idle := conv.session.LastActivityAt.Before(cutoff)
		threadID := conv.session.ExternalThreadID
		conv.mu.Unlock()

		if !idle {
			continue
		}
		delete(s.convs, id)
		if threadID != "" {
			delete(s.threads, threadID)
		}
		evicted++
	}

	return evicted, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}
