package imap

import (
	"testing"

	sortthread "github.com/emersion/go-imap-sortthread"
	"github.com/stretchr/testify/assert"
	"github.com/vdavid/mailcore/internal/testutil"
)

func TestThreadRoots(t *testing.T) {
	threads := []*sortthread.Thread{
		{Id: 1, Children: []*sortthread.Thread{
			{Id: 3, Children: []*sortthread.Thread{{Id: 7}}},
			{Id: 4},
		}},
		nil,
		{Id: 2},
	}

	roots := ThreadRoots(threads)

	assert.Equal(t, map[uint32]uint32{1: 1, 3: 1, 7: 1, 4: 1, 2: 2}, roots)
}

func TestRunThreadCommand(t *testing.T) {
	t.Run("returns error for nil client", func(t *testing.T) {
		_, err := RunThreadCommand(nil)
		assert.ErrorContains(t, err, "client is nil")
		assert.False(t, SupportsThread(nil))
	})

	t.Run("matches advertised capability", func(t *testing.T) {
		server := testutil.NewTestIMAPServer(t)
		c, cleanup := server.Connect(t)
		defer cleanup()

		_, err := SelectInbox(c)
		assert.NoError(t, err)

		_, err = RunThreadCommand(c)
		if SupportsThread(c) {
			assert.NoError(t, err)
		} else {
			assert.Error(t, err, "should error when server doesn't support THREAD")
		}
	})
}
