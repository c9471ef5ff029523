package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shiftdesk/support-relay/internal/middleware"
	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/internal/service"
	"github.com/shiftdesk/support-relay/pkg/logger"
)

// AdminHandler serves the staff API used by support tooling.
type AdminHandler struct {
	service *service.RelayService
	logger  *logger.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(svc *service.RelayService, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		service: svc,
		logger:  log,
	}
}

// ListSessions handles GET /api/v1/support/sessions
func (h *AdminHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	offset := 0

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	resp, err := h.service.ListSessions(r.Context(), limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetSession handles GET /api/v1/support/sessions/{cid}
func (h *AdminHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	if err := middleware.ValidateConversationID(cid); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	sess, err := h.service.GetSession(r.Context(), cid)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.SessionResponse{OK: true, Session: sess, State: sess.State()})
}

// SessionMessages handles GET /api/v1/support/sessions/{cid}/messages
func (h *AdminHandler) SessionMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cid := chi.URLParam(r, "cid")
	if err := middleware.ValidateConversationID(cid); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if _, err := h.service.GetSession(ctx, cid); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	msgs, err := h.service.History(ctx, cid)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.MessagesResponse{OK: true, Messages: msgs})
}

// AttachThread handles PUT /api/v1/support/sessions/{cid}/thread
func (h *AdminHandler) AttachThread(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cid := chi.URLParam(r, "cid")
	if err := middleware.ValidateConversationID(cid); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	var req model.AttachThreadRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	sess, err := h.service.AttachExternalThread(ctx, cid, req.ThreadID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("thread linked by staff",
		zap.String("conversation_id", cid),
		zap.String("thread_id", req.ThreadID),
		zap.String("user_id", middleware.GetUserID(ctx)),
	)

	writeJSON(w, http.StatusOK, &model.SessionResponse{OK: true, Session: sess, State: sess.State()})
}

// PostOperatorMessage handles POST /api/v1/support/operator/messages
func (h *AdminHandler) PostOperatorMessage(w http.ResponseWriter, r *http.Request) {
	var req model.OperatorMessageRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	msg, err := h.service.PostOperatorMessage(r.Context(), req.ThreadID, req.Text)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.PostMessageResponse{OK: true, Message: msg})
}
