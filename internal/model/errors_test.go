package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"validation", NewValidationError("text is empty"), ErrorValidation},
		{"wrapped not found", fmt.Errorf("lookup: %w", NewNotFoundError("thread")), ErrorNotFound},
		{"conflict", NewConflictError("linked"), ErrorConflict},
		{"relay", NewRelayError("send", errors.New("timeout")), ErrorRelayFailed},
		{"plain error", errors.New("boom"), ErrorInternal},
		{"nil", nil, ErrorInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewRelayError("send to thread", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "relay_failed")
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, IsCode(err, ErrorRelayFailed))
	assert.False(t, IsCode(nil, ErrorRelayFailed))
}

func TestSessionState(t *testing.T) {
	s := &Session{ConversationID: "c1"}
	assert.Equal(t, SessionStateActive, s.State())

	s.ExternalThreadID = "42"
	assert.Equal(t, SessionStateLinked, s.State())
}
