package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/internal/store"
	"github.com/shiftdesk/support-relay/pkg/logger"
	"github.com/shiftdesk/support-relay/pkg/metrics"
)

// maxOperatorTextLength is the longest text, in characters, a single operator
// channel message may carry.
const maxOperatorTextLength = 4096

// OperatorChannel is the operator-side messaging surface, e.g. a Telegram forum.
type OperatorChannel interface {
	// CreateThread opens a thread for the session and returns its id.
	CreateThread(ctx context.Context, sess *model.Session) (string, error)

	// SendToThread posts text into an existing thread.
	SendToThread(ctx context.Context, threadID, text string) error
}

// Forwarder delivers end-user messages to the operator channel, opening and
// linking a thread on the first message of a conversation.
type Forwarder struct {
	sessions store.SessionRegistry
	channel  OperatorChannel
	logger   *logger.Logger

	// threads serialises thread creation per conversation.
	threads *keyedMutex
}

// NewForwarder creates a forwarder.
func NewForwarder(sessions store.SessionRegistry, channel OperatorChannel, log *logger.Logger) *Forwarder {
	return &Forwarder{
		sessions: sessions,
		channel:  channel,
		logger:   log.Named("forwarder"),
		threads:  newKeyedMutex(),
	}
}

// Dispatch implements Dispatcher by forwarding synchronously.
func (f *Forwarder) Dispatch(ctx context.Context, ev *model.RelayEvent) error {
	unlock := f.threads.Lock(ev.ConversationID)
	defer unlock()

	sess, err := f.sessions.Get(ctx, ev.ConversationID)
	if err != nil {
		return err
	}

	text := ev.Message.Text
	threadID := sess.ExternalThreadID
	if threadID == "" {
		threadID, err = f.channel.CreateThread(ctx, sess)
		if err != nil {
			metrics.RelayFailuresTotal.WithLabelValues("create_thread").Inc()
			return model.NewRelayError("create operator thread", err)
		}

		linked, err := f.sessions.AttachExternalThread(ctx, ev.ConversationID, threadID)
		if err != nil {
			metrics.RelayFailuresTotal.WithLabelValues("attach_thread").Inc()
			return fmt.Errorf("failed to link operator thread: %w", err)
		}
		threadID = linked.ExternalThreadID

		header := clampRunes(SessionHeader(linked), maxOperatorTextLength)
		if combined := header + "\n\n" + text; utf8.RuneCountInString(combined) <= maxOperatorTextLength {
			text = combined
		} else if err := f.channel.SendToThread(ctx, threadID, header); err != nil {
			metrics.RelayFailuresTotal.WithLabelValues("send").Inc()
			return model.NewRelayError("send to operator thread", err)
		}

		f.logger.Info("operator thread opened",
			zap.String("conversation_id", ev.ConversationID),
			zap.String("thread_id", threadID),
		)
	}

	if err := f.channel.SendToThread(ctx, threadID, text); err != nil {
		metrics.RelayFailuresTotal.WithLabelValues("send").Inc()
		return model.NewRelayError("send to operator thread", err)
	}

	return nil
}

// SessionHeader renders the identity block shown to operators in a new thread.
func SessionHeader(sess *model.Session) string {
	var b strings.Builder
	b.WriteString("New support conversation")
	if sess.UserName != "" {
		fmt.Fprintf(&b, "\nName: %s", sess.UserName)
	}
	if sess.Email != "" {
		fmt.Fprintf(&b, "\nEmail: %s", sess.Email)
	}
	if sess.UserID != "" {
		fmt.Fprintf(&b, "\nUser ID: %s", sess.UserID)
	}
	fmt.Fprintf(&b, "\nConversation: %s", sess.ConversationID)
	return b.String()
}

func clampRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}
