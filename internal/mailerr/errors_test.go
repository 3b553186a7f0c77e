package mailerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProviderErrorMatching(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := fmt.Errorf("failed to send: %w", Unavailable("smtp", "send", cause, true))

	assert.ErrorIs(t, err, ErrProviderUnavailable)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrProviderRejected)
	assert.True(t, IsConnectionFault(err))
	assert.Contains(t, err.Error(), "smtp send: provider unavailable")

	rejected := Rejected("gmail", "send", errors.New("invalid to header"), false)
	assert.ErrorIs(t, rejected, ErrProviderRejected)
	assert.False(t, IsConnectionFault(rejected))
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"provider unavailable", Unavailable("outlook", "fetch", nil, false), true},
		{"provider rejected", Rejected("outlook", "send", nil, false), false},
		{"persistence transient", Transient(errors.New("deadlock detected")), true},
		{"deadline", fmt.Errorf("failed to persist: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"validation", ErrInsufficientContent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTypedErrorsUnwrapToSentinels(t *testing.T) {
	rl := &RateLimitError{ResetAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
	assert.ErrorIs(t, rl, ErrRateLimitExceeded)
	assert.Contains(t, rl.Error(), "2025-01-02T03:04:05Z")

	de := &DeliverabilityError{Score: 8, Issues: []string{"all caps subject"}}
	assert.ErrorIs(t, de, ErrDeliverabilityBlocked)

	var target *DeliverabilityError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", de), &target))
	assert.Equal(t, 8, target.Score)
}
