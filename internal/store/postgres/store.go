package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/shiftdesk/support-relay/internal/model"
)

const uniqueViolation = "23505"

const sessionColumns = `conversation_id, COALESCE(external_thread_id, ''), user_name, user_id, email, created_at, last_activity_at`

// Store implements store.Backend on top of PostgreSQL.
type Store struct {
	db  *DB
	now func() time.Time
}

// NewStore creates a store on db.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	if err := row.Scan(
		&s.ConversationID,
		&s.ExternalThreadID,
		&s.UserName,
		&s.UserID,
		&s.Email,
		&s.CreatedAt,
		&s.LastActivityAt,
	); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetOrCreate inserts the session unless it exists and returns the stored row.
func (s *Store) GetOrCreate(ctx context.Context, conversationID string, meta model.SessionMetadata) (*model.Session, bool, error) {
	now := s.now()
	query := `
		INSERT INTO support_sessions (conversation_id, user_name, user_id, email, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (conversation_id) DO NOTHING
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.db.Pool.QueryRow(ctx, query, conversationID, meta.UserName, meta.UserID, meta.Email, now))
	if err == nil {
		return sess, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	sess, err = s.Get(ctx, conversationID)
	if err != nil {
		return nil, false, err
	}
	return sess, false, nil
}

// Get returns the session for conversationID.
func (s *Store) Get(ctx context.Context, conversationID string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM support_sessions WHERE conversation_id = $1`

	sess, err := scanSession(s.db.Pool.QueryRow(ctx, query, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// AttachExternalThread sets the thread id when it is unset or already equal.
func (s *Store) AttachExternalThread(ctx context.Context, conversationID, threadID string) (*model.Session, error) {
	if _, _, err := s.GetOrCreate(ctx, conversationID, model.SessionMetadata{}); err != nil {
		return nil, err
	}

	query := `
		UPDATE support_sessions
		SET external_thread_id = $2
		WHERE conversation_id = $1
		  AND (external_thread_id IS NULL OR external_thread_id = $2)
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.db.Pool.QueryRow(ctx, query, conversationID, threadID))
	if err == nil {
		return sess, nil
	}

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return nil, model.NewConflictError("thread already linked to another session")
	case errors.Is(err, pgx.ErrNoRows):
		return nil, model.NewConflictError("session already linked to a different thread")
	default:
		return nil, fmt.Errorf("failed to attach thread: %w", err)
	}
}

// FindByExternalThread returns the session owning threadID, or nil.
func (s *Store) FindByExternalThread(ctx context.Context, threadID string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM support_sessions WHERE external_thread_id = $1`

	sess, err := scanSession(s.db.Pool.QueryRow(ctx, query, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by thread: %w", err)
	}
	return sess, nil
}

// List returns sessions ordered by most recent activity.
func (s *Store) List(ctx context.Context, limit, offset int) ([]model.Session, int, error) {
	var total int
	if err := s.db.Pool.QueryRow(ctx, `SELECT count(*) FROM support_sessions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	query := `
		SELECT ` + sessionColumns + `
		FROM support_sessions
		ORDER BY last_activity_at DESC, conversation_id
		LIMIT $1 OFFSET $2
	`
	rows, err := s.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]model.Session, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, total, nil
}

// Append inserts msg and bumps the session's activity in one statement.
func (s *Store) Append(ctx context.Context, msg *model.Message) error {
	query := `
		WITH touched AS (
			UPDATE support_sessions
			SET last_activity_at = GREATEST(last_activity_at, $5)
			WHERE conversation_id = $2
			RETURNING conversation_id
		)
		INSERT INTO support_messages (id, conversation_id, author, text, created_at)
		SELECT $1, conversation_id, $3, $4, $5 FROM touched
	`
	tag, err := s.db.Pool.Exec(ctx, query, msg.ID, msg.ConversationID, string(msg.Author), msg.Text, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError("session not found")
	}
	return nil
}

type messageRow struct {
	seq int64
	msg model.Message
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var collected []messageRow
	for rows.Next() {
		var (
			r      messageRow
			author string
		)
		if err := rows.Scan(&r.seq, &r.msg.ID, &r.msg.ConversationID, &author, &r.msg.Text, &r.msg.CreatedAt); err != nil {
			return nil, err
		}
		r.msg.Author = model.Author(author)
		collected = append(collected, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// RETURNING does not guarantee order.
	sort.Slice(collected, func(i, j int) bool { return collected[i].seq < collected[j].seq })

	messages := make([]model.Message, len(collected))
	for i, r := range collected {
		messages[i] = r.msg
	}
	return messages, nil
}

// DrainUnread marks undelivered messages delivered and returns them in arrival order.
func (s *Store) DrainUnread(ctx context.Context, conversationID string) ([]model.Message, error) {
	query := `
		UPDATE support_messages
		SET delivered_at = now()
		WHERE conversation_id = $1 AND delivered_at IS NULL
		RETURNING seq, id, conversation_id, author, text, created_at
	`
	messages, err := s.queryMessages(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to drain messages: %w", err)
	}
	return messages, nil
}

// ListAll returns the full conversation history.
func (s *Store) ListAll(ctx context.Context, conversationID string) ([]model.Message, error) {
	query := `
		SELECT seq, id, conversation_id, author, text, created_at
		FROM support_messages
		WHERE conversation_id = $1
		ORDER BY seq
	`
	messages, err := s.queryMessages(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// Sweep deletes sessions idle since before cutoff; messages cascade.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM support_sessions WHERE last_activity_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}
