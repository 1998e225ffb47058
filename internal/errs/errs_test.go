package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain sentinel", ErrSessionFull, "SESSION_FULL"},
		{"wrapped sentinel", fmt.Errorf("join S1: %w", ErrNotHost), "NOT_HOST"},
		{"rate limited", ErrRateLimited, "RATE_LIMITED"},
		{"unknown", fmt.Errorf("boom"), "INTERNAL"},
		{"nil", nil, "INTERNAL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Code(tt.err))
		})
	}
}

func TestFromCode(t *testing.T) {
	assert.ErrorIs(t, FromCode("SESSION_NOT_FOUND"), ErrSessionNotFound)
	assert.ErrorIs(t, FromCode(Code(ErrPayloadTooLarge)), ErrPayloadTooLarge)
	assert.NoError(t, FromCode("INTERNAL"))
}
