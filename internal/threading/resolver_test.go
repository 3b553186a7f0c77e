package threading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailcore/internal/audit"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/db/dbtest"
	"github.com/vdavid/mailcore/internal/models"
	"github.com/vdavid/mailcore/internal/testutil"
)

var baseTime = time.Date(2025, 2, 10, 9, 0, 0, 0, time.UTC)

func newMemoryFixture(t *testing.T) (*dbtest.MemoryStore, *models.Account) {
	t.Helper()
	store := dbtest.NewMemoryStore()
	account := store.AddAccount(&models.Account{
		UserID:       "user-1",
		Provider:     models.ProviderGmail,
		EmailAddress: "me@example.com",
		IsActive:     true,
	})
	return store, account
}

func newPostgresFixture(t *testing.T) (*db.PgStore, *models.Account) {
	t.Helper()
	pool := testutil.NewTestDB(t)
	t.Cleanup(pool.Close)
	ctx := context.Background()

	userID, err := db.GetOrCreateUser(ctx, pool, "me@example.com")
	require.NoError(t, err)
	account := &models.Account{
		UserID:       userID,
		Provider:     models.ProviderGmail,
		EmailAddress: "me@example.com",
		IsActive:     true,
	}
	require.NoError(t, db.CreateAccount(ctx, pool, account))
	return db.NewStore(pool), account
}

func inbound(externalID, threadID string, offset time.Duration) *models.ExternalMessage {
	return &models.ExternalMessage{
		ExternalMessageID: externalID,
		ExternalThreadID:  threadID,
		MessageIDHeader:   "<" + externalID + "@mail.example.com>",
		Direction:         models.DirectionReceived,
		From:              "Alice <alice@example.com>",
		To:                []string{"me@example.com"},
		Subject:           "Quarterly numbers",
		HTML:              "<p>Here are the numbers.</p>",
		Text:              "Here are the numbers.",
		SentAt:            baseTime.Add(offset),
	}
}

// exerciseSameExternalThread checks that two messages of one provider thread
// end up in one local thread with a count of two.
func exerciseSameExternalThread(t *testing.T, store db.Store, account *models.Account) {
	t.Helper()
	ctx := context.Background()
	r := NewResolver(store, nil)

	first, err := r.Resolve(ctx, account, inbound("m-1", "T1", 0))
	require.NoError(t, err)
	assert.Equal(t, Synced, first.Status)
	assert.True(t, first.ThreadCreated)

	second, err := r.Resolve(ctx, account, inbound("m-2", "T1", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, Synced, second.Status)
	assert.False(t, second.ThreadCreated)
	assert.Equal(t, first.ThreadID, second.ThreadID)

	thread, err := store.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)
	assert.Equal(t, "T1", thread.ExternalThreadID)
	require.NotNil(t, thread.LastMessageAt)
	assert.True(t, thread.LastMessageAt.Equal(baseTime.Add(time.Hour)))
	assert.Equal(t, []string{"alice@example.com", "me@example.com"}, thread.Participants)
}

func TestResolveSameExternalThreadMemory(t *testing.T) {
	store, account := newMemoryFixture(t)
	exerciseSameExternalThread(t, store, account)
}

func TestResolveSameExternalThreadPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a Postgres container")
	}
	store, account := newPostgresFixture(t)
	exerciseSameExternalThread(t, store, account)
}

func TestResolveIsIdempotent(t *testing.T) {
	store, account := newMemoryFixture(t)
	ctx := context.Background()
	r := NewResolver(store, nil)

	msg := inbound("m-1", "T1", 0)
	_, err := r.Resolve(ctx, account, msg)
	require.NoError(t, err)

	again, err := r.Resolve(ctx, account, msg)
	require.NoError(t, err)
	assert.Equal(t, Skipped, again.Status)

	assert.Len(t, store.Messages(), 1)
	threads := store.Threads()
	require.Len(t, threads, 1)
	assert.Equal(t, 1, threads[0].MessageCount)
}

func TestResolveConcurrentDuplicates(t *testing.T) {
	store, account := newMemoryFixture(t)
	r := NewResolver(store, nil)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 20)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := r.Resolve(context.Background(), account, inbound("m-1", "T1", 0))
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	synced := 0
	for _, out := range outcomes {
		if out.Status == Synced {
			synced++
		}
	}
	assert.Equal(t, 1, synced)
	assert.Len(t, store.Messages(), 1)
	assert.Len(t, store.Threads(), 1)
}

func TestResolveFollowsReferences(t *testing.T) {
	store, account := newMemoryFixture(t)
	ctx := context.Background()
	r := NewResolver(store, nil)

	original := inbound("m-1", "", 0)
	first, err := r.Resolve(ctx, account, original)
	require.NoError(t, err)

	reply := inbound("m-2", "T9", time.Minute)
	reply.InReplyTo = original.MessageIDHeader
	second, err := r.Resolve(ctx, account, reply)
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, second.ThreadID)
	assert.False(t, second.ThreadCreated)

	thread, err := store.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "T9", thread.ExternalThreadID, "thread is linked to the provider thread")
	assert.Equal(t, 2, thread.MessageCount)

	third, err := r.Resolve(ctx, account, inbound("m-3", "T9", 2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.ThreadID, third.ThreadID)
}

func TestResolveSanitizesInboundHTML(t *testing.T) {
	store, account := newMemoryFixture(t)
	r := NewResolver(store, nil)

	msg := inbound("m-1", "T1", 0)
	msg.HTML = `<p onclick="steal()">Hello there, friend</p><script>alert(1)</script>`
	msg.Text = ""

	_, err := r.Resolve(context.Background(), account, msg)
	require.NoError(t, err)

	stored := store.Messages()[0]
	assert.NotContains(t, stored.BodyHTML, "script")
	assert.NotContains(t, stored.BodyHTML, "onclick")
	assert.Contains(t, stored.BodyText, "Hello there, friend")
	assert.Equal(t, models.DeliveryReceived, stored.DeliveryStatus)
}

func TestResolveSentCopy(t *testing.T) {
	store, account := newMemoryFixture(t)
	msg := inbound("m-1", "T1", 0)
	msg.Direction = models.DirectionSent

	_, err := NewResolver(store, nil).Resolve(context.Background(), account, msg)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, store.Messages()[0].DeliveryStatus)
}

// blindStore hides existing messages from the existence check so the insert
// conflict path runs.
type blindStore struct {
	*dbtest.MemoryStore
}

type blindQueries struct {
	db.Queries
}

func (blindQueries) MessageExists(context.Context, string) (bool, error) { return false, nil }

func (s blindStore) WithTx(ctx context.Context, fn func(q db.Queries) error) error {
	return s.MemoryStore.WithTx(ctx, func(q db.Queries) error { return fn(blindQueries{q}) })
}

func TestResolveInsertConflictRollsBack(t *testing.T) {
	mem, account := newMemoryFixture(t)
	r := NewResolver(blindStore{mem}, nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, account, inbound("m-1", "T1", 0))
	require.NoError(t, err)

	out, err := r.Resolve(ctx, account, inbound("m-1", "T2", 0))
	require.NoError(t, err)
	assert.Equal(t, Skipped, out.Status)
	assert.Len(t, mem.Threads(), 1, "thread created for the lost insert is rolled back")
}

func TestResolveRejectsMissingExternalID(t *testing.T) {
	store, account := newMemoryFixture(t)
	_, err := NewResolver(store, nil).Resolve(context.Background(), account, inbound("", "T1", 0))
	assert.Error(t, err)
}

func TestResolveAuditsAfterCommit(t *testing.T) {
	store, account := newMemoryFixture(t)
	rec := &audit.Recorder{}
	r := NewResolver(store, rec)
	ctx := context.Background()

	_, err := r.Resolve(ctx, account, inbound("m-1", "T1", 0))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, account, inbound("m-2", "T1", time.Minute))
	require.NoError(t, err)
	_, err = r.Resolve(ctx, account, inbound("m-2", "T1", time.Minute))
	require.NoError(t, err)

	assert.Equal(t, 1, rec.Count(audit.EntityThread, audit.ActionCreated))
	assert.Equal(t, 2, rec.Count(audit.EntityMessage, audit.ActionCreated))
}

func TestAlreadySynced(t *testing.T) {
	store, account := newMemoryFixture(t)
	ctx := context.Background()

	ok, err := AlreadySynced(ctx, store, "m-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NewResolver(store, nil).Resolve(ctx, account, inbound("m-1", "T1", 0))
	require.NoError(t, err)

	ok, err = AlreadySynced(ctx, store, "m-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AlreadySynced(ctx, store, "")
	require.NoError(t, err)
	assert.False(t, ok)
}
