// Package service provides business logic for the support relay.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/internal/store"
	"github.com/shiftdesk/support-relay/pkg/logger"
	"github.com/shiftdesk/support-relay/pkg/metrics"
)

// DefaultMaxMessageLength caps message text, in runes, after trimming.
const DefaultMaxMessageLength = 4000

// Dispatcher hands an end-user message over to the operator side.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *model.RelayEvent) error
}

// NopDispatcher drops relay events. Used when no operator channel is configured.
type NopDispatcher struct{}

// Dispatch implements Dispatcher.
func (NopDispatcher) Dispatch(context.Context, *model.RelayEvent) error { return nil }

// RelayService accepts messages from both sides of a support conversation and
// serves them to polling clients.
type RelayService struct {
	messages   store.MessageStore
	sessions   store.SessionRegistry
	dispatcher Dispatcher
	logger     *logger.Logger
	tracer     trace.Tracer
	maxLength  int

	// posts keeps dispatch and append of one conversation in the same order.
	posts *keyedMutex

	now   func() time.Time
	newID func() string
}

// NewRelayService creates a relay service.
func NewRelayService(
	messages store.MessageStore,
	sessions store.SessionRegistry,
	dispatcher Dispatcher,
	maxLength int,
	log *logger.Logger,
) *RelayService {
	if dispatcher == nil {
		dispatcher = NopDispatcher{}
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &RelayService{
		messages:   messages,
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     log.Named("relay"),
		tracer:     otel.Tracer("github.com/shiftdesk/support-relay/internal/service"),
		maxLength:  maxLength,
		posts:      newKeyedMutex(),
		now:        time.Now,
		newID:      func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

func (s *RelayService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.CodeOf(err)))
	}
	span.End()
}

// normalizeText trims text and enforces the message limits.
func (s *RelayService) normalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", model.NewValidationError("text is required")
	}
	if !utf8.ValidString(text) {
		return "", model.NewValidationError("text must be valid UTF-8")
	}
	if utf8.RuneCountInString(text) > s.maxLength {
		return "", model.NewValidationError(fmt.Sprintf("text exceeds %d characters", s.maxLength))
	}
	return text, nil
}

// StartSession creates a session under a fresh conversation id.
func (s *RelayService) StartSession(ctx context.Context, meta model.SessionMetadata) (_ string, err error) {
	ctx, span := s.startSpan(ctx, "relay.StartSession")
	defer func() { endSpan(span, err) }()

	conversationID := uuid.NewString()
	if _, _, err := s.sessions.GetOrCreate(ctx, conversationID, meta); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}

	metrics.SessionsTotal.Inc()
	s.logger.Info("support session started", zap.String("conversation_id", conversationID))

	return conversationID, nil
}

// PostUserMessage stores an end-user message, creating the session if needed.
// An empty conversationID starts a new conversation. The message is handed to
// the dispatcher before it is stored, so a relay failure leaves nothing behind
// and the whole call can be retried.
func (s *RelayService) PostUserMessage(ctx context.Context, conversationID, text string, meta model.SessionMetadata) (_ *model.Message, err error) {
	ctx, span := s.startSpan(ctx, "relay.PostUserMessage", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	text, err = s.normalizeText(text)
	if err != nil {
		return nil, err
	}

	if conversationID == "" {
		conversationID = uuid.NewString()
		span.SetAttributes(attribute.String("conversation_id", conversationID))
	}

	unlock := s.posts.Lock(conversationID)
	defer unlock()

	sess, created, err := s.sessions.GetOrCreate(ctx, conversationID, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if created {
		metrics.SessionsTotal.Inc()
	}

	msg := &model.Message{
		ID:             s.newID(),
		ConversationID: conversationID,
		Author:         model.AuthorEndUser,
		Text:           text,
		CreatedAt:      s.now(),
	}

	ev := &model.RelayEvent{
		ID:             s.newID(),
		Type:           model.EventTypeUserMessage,
		ConversationID: conversationID,
		Session:        sess.Metadata(),
		Message:        *msg,
		CreatedAt:      msg.CreatedAt,
	}
	if err := s.dispatcher.Dispatch(ctx, ev); err != nil {
		s.logger.Warn("relay to operator failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err),
		)
		if model.CodeOf(err) == model.ErrorInternal {
			err = model.NewRelayError("dispatch to operator channel", err)
		}
		return nil, err
	}

	if err := s.appendUserMessage(ctx, msg, sess.Metadata()); err != nil {
		return nil, err
	}

	metrics.MessagesTotal.WithLabelValues(string(model.AuthorEndUser)).Inc()
	s.logger.Debug("user message stored",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", msg.ID),
	)

	return msg, nil
}

// appendUserMessage stores an already relayed message. The janitor can evict
// the session while the relay is in flight; the session is then recreated
// so the operator copy is never left without a stored original.
func (s *RelayService) appendUserMessage(ctx context.Context, msg *model.Message, meta model.SessionMetadata) error {
	err := s.messages.Append(ctx, msg)
	if model.IsCode(err, model.ErrorNotFound) {
		s.logger.Warn("session evicted during relay, recreating",
			zap.String("conversation_id", msg.ConversationID),
		)
		if _, _, err = s.sessions.GetOrCreate(ctx, msg.ConversationID, meta); err != nil {
			return fmt.Errorf("failed to recreate session: %w", err)
		}
		metrics.SessionsTotal.Inc()
		err = s.messages.Append(ctx, msg)
	}
	if err != nil {
		return fmt.Errorf("failed to store message: %w", err)
	}
	return nil
}

// PostOperatorMessage stores an operator reply addressed by external thread id.
// Unknown threads are rejected rather than creating orphan sessions.
func (s *RelayService) PostOperatorMessage(ctx context.Context, threadID, text string) (_ *model.Message, err error) {
	ctx, span := s.startSpan(ctx, "relay.PostOperatorMessage", attribute.String("thread_id", threadID))
	defer func() { endSpan(span, err) }()

	text, err = s.normalizeText(text)
	if err != nil {
		return nil, err
	}
	if threadID == "" {
		return nil, model.NewValidationError("thread id is required")
	}

	sess, err := s.sessions.FindByExternalThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve thread: %w", err)
	}
	if sess == nil {
		return nil, model.NewNotFoundError("no session for thread " + threadID)
	}

	msg := &model.Message{
		ID:             s.newID(),
		ConversationID: sess.ConversationID,
		Author:         model.AuthorOperator,
		Text:           text,
		CreatedAt:      s.now(),
	}
	if err := s.messages.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues(string(model.AuthorOperator)).Inc()
	s.logger.Debug("operator message stored",
		zap.String("conversation_id", sess.ConversationID),
		zap.String("thread_id", threadID),
		zap.String("message_id", msg.ID),
	)

	return msg, nil
}

// PollUnread returns messages not yet delivered to the polling client.
// Unknown or empty conversation ids yield no messages.
func (s *RelayService) PollUnread(ctx context.Context, conversationID string) (_ []model.Message, err error) {
	ctx, span := s.startSpan(ctx, "relay.PollUnread", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	if conversationID == "" {
		return []model.Message{}, nil
	}

	msgs, err := s.messages.DrainUnread(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to drain messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}

	metrics.RecordPoll(len(msgs))
	return msgs, nil
}

// History returns the full conversation without changing delivery state.
func (s *RelayService) History(ctx context.Context, conversationID string) (_ []model.Message, err error) {
	ctx, span := s.startSpan(ctx, "relay.History", attribute.String("conversation_id", conversationID))
	defer func() { endSpan(span, err) }()

	if conversationID == "" {
		return []model.Message{}, nil
	}

	msgs, err := s.messages.ListAll(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

// AttachExternalThread links a conversation to an operator thread.
func (s *RelayService) AttachExternalThread(ctx context.Context, conversationID, threadID string) (_ *model.Session, err error) {
	ctx, span := s.startSpan(ctx, "relay.AttachExternalThread",
		attribute.String("conversation_id", conversationID),
		attribute.String("thread_id", threadID),
	)
	defer func() { endSpan(span, err) }()

	if conversationID == "" || threadID == "" {
		return nil, model.NewValidationError("conversation id and thread id are required")
	}

	sess, err := s.sessions.AttachExternalThread(ctx, conversationID, threadID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("session linked to operator thread",
		zap.String("conversation_id", conversationID),
		zap.String("thread_id", threadID),
	)
	return sess, nil
}

// FindByExternalThread returns the session owning threadID, or nil.
func (s *RelayService) FindByExternalThread(ctx context.Context, threadID string) (*model.Session, error) {
	return s.sessions.FindByExternalThread(ctx, threadID)
}

// GetSession returns the session for conversationID.
func (s *RelayService) GetSession(ctx context.Context, conversationID string) (*model.Session, error) {
	return s.sessions.Get(ctx, conversationID)
}

// ListSessions pages through sessions by most recent activity.
func (s *RelayService) ListSessions(ctx context.Context, limit, offset int) (*model.ListSessionsResponse, error) {
	sessions, total, err := s.sessions.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []model.Session{}
	}

	return &model.ListSessionsResponse{
		OK:       true,
		Sessions: sessions,
		Total:    total,
		HasMore:  offset+len(sessions) < total,
	}, nil
}
