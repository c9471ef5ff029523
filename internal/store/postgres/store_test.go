package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/internal/store"
	"github.com/shiftdesk/support-relay/pkg/logger"
)

var _ store.Backend = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("SUPPORT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SUPPORT_TEST_DATABASE_URL not set - run as integration test")
	}

	log, err := logger.New("error")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn, log))

	db, err := NewDB(context.Background(), Config{URL: dsn, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	return NewStore(db)
}

func TestStore_RelayLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cid := uuid.NewString()
	thread := "thread-" + uuid.NewString()

	sess, created, err := s.GetOrCreate(ctx, cid, model.SessionMetadata{UserName: "Ana"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Ana", sess.UserName)

	again, created, err := s.GetOrCreate(ctx, cid, model.SessionMetadata{UserName: "Bob"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Ana", again.UserName)

	now := time.Now().UTC().Truncate(time.Microsecond)
	for i, text := range []string{"Hello", "Anyone there?"} {
		require.NoError(t, s.Append(ctx, &model.Message{
			ID:             uuid.NewString(),
			ConversationID: cid,
			Author:         model.AuthorEndUser,
			Text:           text,
			CreatedAt:      now.Add(time.Duration(i) * time.Second),
		}))
	}

	linked, err := s.AttachExternalThread(ctx, cid, thread)
	require.NoError(t, err)
	assert.Equal(t, thread, linked.ExternalThreadID)

	_, err = s.AttachExternalThread(ctx, cid, thread+"-other")
	assert.True(t, model.IsCode(err, model.ErrorConflict))

	owner, err := s.FindByExternalThread(ctx, thread)
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, cid, owner.ConversationID)

	unread, err := s.DrainUnread(ctx, cid)
	require.NoError(t, err)
	require.Len(t, unread, 2)
	assert.Equal(t, "Hello", unread[0].Text)

	unread, err = s.DrainUnread(ctx, cid)
	require.NoError(t, err)
	assert.Empty(t, unread)

	all, err := s.ListAll(ctx, cid)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	evicted, err := s.Sweep(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, evicted, 1)

	_, err = s.Get(ctx, cid)
	assert.True(t, model.IsCode(err, model.ErrorNotFound))
}

func TestStore_AppendUnknownSession(t *testing.T) {
	s := newTestStore(t)

	err := s.Append(context.Background(), &model.Message{
		ID:             uuid.NewString(),
		ConversationID: uuid.NewString(),
		Author:         model.AuthorOperator,
		Text:           "hi",
		CreatedAt:      time.Now(),
	})
	assert.True(t, model.IsCode(err, model.ErrorNotFound))
}
