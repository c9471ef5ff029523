package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shiftdesk/support-relay/internal/dedup"
	"github.com/shiftdesk/support-relay/internal/middleware"
	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/internal/operator"
	"github.com/shiftdesk/support-relay/internal/service"
	"github.com/shiftdesk/support-relay/internal/store/memory"
	"github.com/shiftdesk/support-relay/pkg/logger"
)

const testSecret = "test-secret"

type failingDispatcher struct{ fail bool }

func (d *failingDispatcher) Dispatch(context.Context, *model.RelayEvent) error {
	if d.fail {
		return errors.New("telegram unavailable")
	}
	return nil
}

type fakeUpdates struct {
	secret string
	reply  *operator.Reply
	err    error
}

func (f *fakeUpdates) ParseUpdate([]byte) (*operator.Reply, error) { return f.reply, f.err }
func (f *fakeUpdates) VerifySecret(token string) bool { return token == f.secret }

type testServer struct {
	handler    http.Handler
	store      *memory.Store
	dispatcher *failingDispatcher
	updates    *fakeUpdates
	ready      error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := logger.NewNop()
	ts := &testServer{
		store:      memory.New(),
		dispatcher: &failingDispatcher{},
		updates:    &fakeUpdates{secret: "hook"},
	}
	svc := service.NewRelayService(ts.store, ts.store, ts.dispatcher, 0, log)

	ts.handler = NewRouter(RouterConfig{
		Support: NewSupportHandler(svc, log),
		Admin:   NewAdminHandler(svc, log),
		Webhook: NewWebhookHandler(svc, ts.updates, dedup.NewMemory(time.Hour), log),
		Health: NewHealthHandler(
			ReadinessCheck{Name: "store", Check: ts.store.Ping},
			ReadinessCheck{Name: "nats", Check: func(context.Context) error { return ts.ready }},
		),
		Logger:             log,
		JWTSecret:          testSecret,
		CORSAllowedOrigins: []string{"*"},
		RateLimitRequests:  1000,
		RateLimitWindow:    time.Minute,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func staffToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "staff-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: scopes,
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestSupportFlow(t *testing.T) {
	ts := newTestServer(t)
	auth := staffToken(t, middleware.ScopeOperate)

	rec := ts.do(t, http.MethodPost, "/api/support/session", map[string]string{"name": "Ana", "email": "ana@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	started := decode[model.StartSessionResponse](t, rec)
	require.True(t, started.OK)
	require.NotEmpty(t, started.CID)

	rec = ts.do(t, http.MethodPost, "/api/support/messages", map[string]string{"cid": started.CID, "text": "  Hello  "})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	posted := decode[model.PostMessageResponse](t, rec)
	assert.Equal(t, "Hello", posted.Message.Text)
	assert.Equal(t, model.AuthorEndUser, posted.Message.Author)

	rec = ts.do(t, http.MethodPut, "/api/v1/support/sessions/"+started.CID+"/thread", map[string]string{"threadId": "42"}, "Authorization", auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	linked := decode[model.SessionResponse](t, rec)
	assert.Equal(t, model.SessionStateLinked, linked.State)

	rec = ts.do(t, http.MethodPut, "/api/v1/support/sessions/"+started.CID+"/thread", map[string]string{"threadId": "43"}, "Authorization", auth)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPost, "/api/v1/support/operator/messages", map[string]string{"threadId": "42", "text": "Hi, how can I help?"}, "Authorization", auth)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/api/support/messages?cid="+started.CID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	polled := decode[model.MessagesResponse](t, rec)
	require.Len(t, polled.Messages, 2)
	assert.Equal(t, "Hello", polled.Messages[0].Text)
	assert.Equal(t, "Hi, how can I help?", polled.Messages[1].Text)

	rec = ts.do(t, http.MethodGet, "/api/support/messages?cid="+started.CID, nil)
	assert.Empty(t, decode[model.MessagesResponse](t, rec).Messages)

	rec = ts.do(t, http.MethodGet, "/api/support/history?cid="+started.CID, nil)
	assert.Len(t, decode[model.MessagesResponse](t, rec).Messages, 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/support/sessions/"+started.CID, nil, "Authorization", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	sess := decode[model.SessionResponse](t, rec)
	assert.Equal(t, "Ana", sess.Session.UserName)
	assert.Equal(t, "42", sess.Session.ExternalThreadID)

	rec = ts.do(t, http.MethodGet, "/api/v1/support/sessions/"+started.CID+"/messages", nil, "Authorization", auth)
	assert.Len(t, decode[model.MessagesResponse](t, rec).Messages, 2)

	rec = ts.do(t, http.MethodGet, "/api/v1/support/sessions?limit=10", nil, "Authorization", auth)
	list := decode[model.ListSessionsResponse](t, rec)
	assert.Equal(t, 1, list.Total)
	assert.False(t, list.HasMore)
}

func TestPostMessage_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name     string
		body     interface{}
		fail     bool
		wantCode int
		wantErr  string
	}{
		{name: "empty text", body: map[string]string{"text": "   "}, wantCode: http.StatusBadRequest, wantErr: "validation_error"},
		{name: "too long", body: map[string]string{"text": strings.Repeat("a", service.DefaultMaxMessageLength+1)}, wantCode: http.StatusBadRequest, wantErr: "validation_error"},
		{name: "bad email", body: map[string]string{"text": "hi", "email": "nope"}, wantCode: http.StatusBadRequest, wantErr: "validation_error"},
		{name: "bad cid", body: map[string]string{"text": "hi", "cid": "a\nb"}, wantCode: http.StatusBadRequest, wantErr: "validation_error"},
		{name: "not json", body: "hello", wantCode: http.StatusBadRequest, wantErr: "validation_error"},
		{name: "relay failure", body: map[string]string{"cid": "c1", "text": "hi"}, fail: true, wantCode: http.StatusBadGateway, wantErr: "relay_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts.dispatcher.fail = tt.fail
			rec := ts.do(t, http.MethodPost, "/api/support/messages", tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.False(t, resp.OK)
			assert.Equal(t, tt.wantErr, resp.Error)
		})
	}

	ts.dispatcher.fail = false
	rec := ts.do(t, http.MethodGet, "/api/support/history?cid=c1", nil)
	assert.Empty(t, decode[model.MessagesResponse](t, rec).Messages, "failed relay stores nothing")
}

func TestPostMessage_WithoutCID(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/support/messages", map[string]string{"text": "Hello", "name": "Ana"})
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decode[model.PostMessageResponse](t, rec).Message
	require.NotEmpty(t, msg.ConversationID)

	sess, err := ts.store.Get(context.Background(), msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", sess.UserName)
}

func TestStartSession_EmptyBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/support/session", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, decode[model.StartSessionResponse](t, rec).CID)
}

func TestPoll_UnknownOrMissingCID(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/api/support/messages", "/api/support/messages?cid=unknown"} {
		rec := ts.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"ok":true,"messages":[]}`, rec.Body.String())
	}
}

func TestReads_MalformedCIDReturnEmpty(t *testing.T) {
	ts := newTestServer(t)

	for _, endpoint := range []string{"/api/support/messages", "/api/support/history"} {
		for _, cid := range []string{strings.Repeat("x", middleware.MaxConversationIDLength+1), "a%0Ab", "%FF"} {
			rec := ts.do(t, http.MethodGet, endpoint+"?cid="+cid, nil)
			require.Equal(t, http.StatusOK, rec.Code, endpoint)
			assert.JSONEq(t, `{"ok":true,"messages":[]}`, rec.Body.String(), endpoint)
		}
	}

	rec := ts.do(t, http.MethodPost, "/api/support/messages", map[string]string{"cid": "a\nb", "text": "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "writes still reject malformed ids")
}

func TestAdmin_RequiresScope(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/support/sessions", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/support/sessions", nil, "Authorization", staffToken(t, "support:read"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_NotFound(t *testing.T) {
	ts := newTestServer(t)
	auth := staffToken(t, middleware.ScopeOperate)

	rec := ts.do(t, http.MethodGet, "/api/v1/support/sessions/missing", nil, "Authorization", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/support/sessions/missing/messages", nil, "Authorization", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/support/operator/messages", map[string]string{"threadId": "999", "text": "hi"}, "Authorization", auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodPost, "/api/v1/support/operator/messages", map[string]string{"text": "hi"}, "Authorization", auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.AttachExternalThread(ctx, "c1", "42")
	require.NoError(t, err)

	path := "/api/support/telegram/webhook"

	rec := ts.do(t, http.MethodPost, path, map[string]int{"update_id": 1}, secretHeader, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ts.updates.reply = nil
	rec = ts.do(t, http.MethodPost, path, map[string]int{"update_id": 1}, secretHeader, "hook")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	ts.updates.reply = &operator.Reply{UpdateID: 7, ThreadID: "42", Text: "Hi, how can I help?"}
	for i := 0; i < 2; i++ {
		rec = ts.do(t, http.MethodPost, path, map[string]int{"update_id": 7}, secretHeader, "hook")
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	all, err := ts.store.ListAll(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, all, 1, "redelivered update is stored once")
	assert.Equal(t, model.AuthorOperator, all[0].Author)

	ts.updates.reply = &operator.Reply{UpdateID: 8, ThreadID: "999", Text: "hello?"}
	rec = ts.do(t, http.MethodPost, path, map[string]int{"update_id": 8}, secretHeader, "hook")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"not_found"}`, rec.Body.String())

	ts.updates.reply = nil
	ts.updates.err = model.NewValidationError("malformed telegram update")
	rec = ts.do(t, http.MethodPost, path, "garbage", secretHeader, "hook")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"validation_error"}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.ready = errors.New("disconnected")
	rec = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "nats: disconnected")
}
