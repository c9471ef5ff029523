package handler

import (
	"net/http"

	"github.com/shiftdesk/support-relay/internal/middleware"
	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/internal/service"
	"github.com/shiftdesk/support-relay/pkg/logger"
)

// SupportHandler serves the end-user chat widget.
type SupportHandler struct {
	service *service.RelayService
	logger  *logger.Logger
}

// NewSupportHandler creates a new support handler.
func NewSupportHandler(svc *service.RelayService, log *logger.Logger) *SupportHandler {
	return &SupportHandler{
		service: svc,
		logger:  log,
	}
}

// StartSession handles POST /api/support/session
func (h *SupportHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req model.StartSessionRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	cid, err := h.service.StartSession(r.Context(), model.SessionMetadata{
		UserName: req.Name,
		UserID:   req.UserID,
		Email:    req.Email,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.StartSessionResponse{OK: true, CID: cid})
}

// PostMessage handles POST /api/support/messages
func (h *SupportHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req model.PostMessageRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if err := middleware.ValidateStruct(&req); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if req.CID != "" {
		if err := middleware.ValidateConversationID(req.CID); err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
	}

	msg, err := h.service.PostUserMessage(r.Context(), req.CID, req.Text, req.Metadata())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.PostMessageResponse{OK: true, Message: msg})
}

// Poll handles GET /api/support/messages?cid=
func (h *SupportHandler) Poll(w http.ResponseWriter, r *http.Request) {
	cid := r.URL.Query().Get("cid")
	if !readableConversationID(cid) {
		writeJSON(w, http.StatusOK, &model.MessagesResponse{OK: true, Messages: []model.Message{}})
		return
	}

	msgs, err := h.service.PollUnread(r.Context(), cid)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.MessagesResponse{OK: true, Messages: msgs})
}

// History handles GET /api/support/history?cid=
func (h *SupportHandler) History(w http.ResponseWriter, r *http.Request) {
	cid := r.URL.Query().Get("cid")
	if !readableConversationID(cid) {
		writeJSON(w, http.StatusOK, &model.MessagesResponse{OK: true, Messages: []model.Message{}})
		return
	}

	msgs, err := h.service.History(r.Context(), cid)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, &model.MessagesResponse{OK: true, Messages: msgs})
}

// readableConversationID reports whether a read may look cid up. A malformed
// cid can never name a conversation, so reads treat it like an unknown one.
func readableConversationID(cid string) bool {
	return cid == "" || middleware.ValidateConversationID(cid) == nil
}
