package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		quota      bool
		permission bool
	}{
		{"http 429", errors.New("googleapi: Error 429: quota exceeded"), true, false},
		{"rate limit text", errors.New("Rate limit reached for model"), true, false},
		{"resource exhausted", errors.New("rpc error: code = ResourceExhausted desc = RESOURCE_EXHAUSTED"), true, false},
		{"http 403", errors.New("googleapi: Error 403: PERMISSION_DENIED"), false, true},
		{"generic", errors.New("connection reset by peer"), false, false},
		{"nil", nil, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.quota, IsQuotaError(tt.err))
			assert.Equal(t, tt.permission, IsPermissionError(tt.err))
		})
	}
}

func TestPromptBlockedDetection(t *testing.T) {
	blocked := &PromptBlockedError{Reason: "SAFETY"}
	assert.True(t, IsPromptBlocked(blocked))
	assert.True(t, IsPromptBlocked(fmt.Errorf("chunk 3: %w", blocked)))
	assert.False(t, IsPromptBlocked(errors.New("prompt blocked lookalike")))
	assert.Contains(t, blocked.Error(), "SAFETY")
}

func TestUploadErrorUnwraps(t *testing.T) {
	inner := errors.New("disk gone")
	err := &UploadError{Path: "/tmp/a.pdf", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "/tmp/a.pdf")
}
