// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/shiftdesk/support-relay/internal/model"
	"github.com/shiftdesk/support-relay/pkg/logger"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code model.ErrorCode, message string) {
	writeJSON(w, status, &ErrorResponse{
		OK:      false,
		Error:   string(code),
		Message: message,
	})
}

// statusFor maps an error code to its HTTP status.
func statusFor(code model.ErrorCode) int {
	switch code {
	case model.ErrorValidation:
		return http.StatusBadRequest
	case model.ErrorNotFound:
		return http.StatusNotFound
	case model.ErrorConflict:
		return http.StatusConflict
	case model.ErrorRelayFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err using its relay error code. Internal errors are
// logged and reported without detail.
func writeServiceError(w http.ResponseWriter, log *logger.Logger, err error) {
	code := model.CodeOf(err)
	if code == model.ErrorInternal {
		log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, code, "internal error")
		return
	}

	message := err.Error()
	var relayErr *model.Error
	if errors.As(err, &relayErr) {
		message = relayErr.Reason
	}
	if code == model.ErrorRelayFailed {
		log.Warn("operator relay failed", zap.Error(err))
	}
	writeError(w, statusFor(code), code, message)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched when
// allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return model.NewValidationError("invalid request body")
	}
	return nil
}
