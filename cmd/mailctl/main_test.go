package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/dispatch"
	"github.com/vdavid/mailcore/internal/mailsync"
)

type mockOperations struct {
	mock.Mock
}

func (m *mockOperations) Sync(ctx context.Context, accountID string) (*mailsync.Summary, error) {
	args := m.Called(ctx, accountID)
	summary, _ := args.Get(0).(*mailsync.Summary)
	return summary, args.Error(1)
}

func (m *mockOperations) Test(ctx context.Context, accountID string) (*dispatch.TestResult, error) {
	args := m.Called(ctx, accountID)
	res, _ := args.Get(0).(*dispatch.TestResult)
	return res, args.Error(1)
}

func TestRunUsage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no arguments", nil},
		{"missing account", []string{"sync"}},
		{"empty account", []string{"sync", ""}},
		{"unknown command", []string{"purge", "acct-1"}},
		{"extra arguments", []string{"sync", "acct-1", "now"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := &mockOperations{}
			err := run(context.Background(), ops, tt.args, &bytes.Buffer{})
			assert.ErrorIs(t, err, errUsage)
			ops.AssertNotCalled(t, "Sync", mock.Anything, mock.Anything)
			ops.AssertNotCalled(t, "Test", mock.Anything, mock.Anything)
		})
	}
}

func TestRunSync(t *testing.T) {
	ops := &mockOperations{}
	ops.On("Sync", mock.Anything, "acct-1").Return(&mailsync.Summary{Synced: 3, Skipped: 1, Checkpoint: "42", Advanced: true}, nil)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), ops, []string{"sync", "acct-1"}, &out))

	assert.Contains(t, out.String(), `"synced": 3`)
	assert.Contains(t, out.String(), `"checkpoint": "42"`)
	ops.AssertExpectations(t)
}

func TestRunSyncError(t *testing.T) {
	ops := &mockOperations{}
	ops.On("Sync", mock.Anything, "missing").Return(nil, db.ErrAccountNotFound)

	var out bytes.Buffer
	err := run(context.Background(), ops, []string{"sync", "missing"}, &out)
	assert.ErrorIs(t, err, db.ErrAccountNotFound)
	assert.Empty(t, out.String())
}

func TestRunTest(t *testing.T) {
	t.Run("verified", func(t *testing.T) {
		ops := &mockOperations{}
		ops.On("Test", mock.Anything, "acct-1").Return(&dispatch.TestResult{Success: true}, nil)

		var out bytes.Buffer
		require.NoError(t, run(context.Background(), ops, []string{"test", "acct-1"}, &out))
		assert.Contains(t, out.String(), `"success": true`)
	})

	t.Run("rejected credentials still print the result", func(t *testing.T) {
		ops := &mockOperations{}
		ops.On("Test", mock.Anything, "acct-1").Return(&dispatch.TestResult{Error: "535 bad credentials"}, nil)

		var out bytes.Buffer
		err := run(context.Background(), ops, []string{"test", "acct-1"}, &out)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "535 bad credentials")
		assert.Contains(t, out.String(), `"success": false`)
	})

	t.Run("lookup error", func(t *testing.T) {
		ops := &mockOperations{}
		ops.On("Test", mock.Anything, "acct-1").Return(nil, errors.New("database down"))

		err := run(context.Background(), ops, []string{"test", "acct-1"}, &bytes.Buffer{})
		assert.EqualError(t, err, "database down")
	})
}
