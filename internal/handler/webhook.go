package handler

import (
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/shiftdesk/support-relay/internal/dedup"
	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/internal/operator"
	"github.com/shiftdesk/support-relay/internal/service"
	"github.com/shiftdesk/support-relay/pkg/logger"
	"github.com/shiftdesk/support-relay/pkg/metrics"
)

const (
	maxUpdateBytes = 1 << 20
	secretHeader   = "X-Telegram-Bot-Api-Secret-Token"
)

// UpdateSource decodes and authenticates operator console webhooks.
type UpdateSource interface {
	ParseUpdate(body []byte) (*operator.Reply, error)
	VerifySecret(token string) bool
}

// WebhookHandler receives operator replies from Telegram.
type WebhookHandler struct {
	service *service.RelayService
	source  UpdateSource
	dedup   dedup.Deduper
	logger  *logger.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(svc *service.RelayService, source UpdateSource, d dedup.Deduper, log *logger.Logger) *WebhookHandler {
	return &WebhookHandler{
		service: svc,
		source:  source,
		dedup:   d,
		logger:  log.Named("webhook"),
	}
}

type webhookResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Telegram handles POST /api/support/telegram/webhook. Anything that passes
// the secret check is answered with 200, otherwise Telegram keeps redelivering.
func (h *WebhookHandler) Telegram(w http.ResponseWriter, r *http.Request) {
	if !h.source.VerifySecret(r.Header.Get(secretHeader)) {
		metrics.WebhookUpdatesTotal.WithLabelValues("unauthorized").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUpdateBytes))
	if err != nil {
		h.respond(w, "malformed", model.ErrorValidation)
		return
	}

	reply, err := h.source.ParseUpdate(body)
	if err != nil {
		h.logger.Warn("unreadable telegram update", zap.Error(err))
		h.respond(w, "malformed", model.CodeOf(err))
		return
	}
	if reply == nil {
		h.respond(w, "ignored", "")
		return
	}

	ctx := r.Context()
	key := "tg:update:" + strconv.FormatInt(reply.UpdateID, 10)
	first, err := h.dedup.FirstSeen(ctx, key)
	if err != nil {
		// Prefer a possible duplicate over a lost reply.
		h.logger.Warn("dedup unavailable", zap.Error(err))
		first = true
	}
	if !first {
		h.respond(w, "duplicate", "")
		return
	}

	if _, err := h.service.PostOperatorMessage(ctx, reply.ThreadID, reply.Text); err != nil {
		code := model.CodeOf(err)
		h.logger.Warn("operator reply not stored",
			zap.Int64("update_id", reply.UpdateID),
			zap.String("thread_id", reply.ThreadID),
			zap.Error(err),
		)
		h.respond(w, "rejected", code)
		return
	}

	h.respond(w, "relayed", "")
}

func (h *WebhookHandler) respond(w http.ResponseWriter, outcome string, code model.ErrorCode) {
	metrics.WebhookUpdatesTotal.WithLabelValues(outcome).Inc()
	writeJSON(w, http.StatusOK, &webhookResponse{OK: code == "", Error: string(code)})
}
