// Package dbtest provides an in-memory db.Store for unit tests.
package dbtest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/models"
)

// MemoryStore is a db.Store kept in process memory. Transactions are
// serialized and copy-on-write: a failed WithTx leaves no trace.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState

	// BeforeInsert, when set, runs inside InsertMessage before anything is
	// written. Returning an error aborts the insert (and the transaction).
	BeforeInsert func(msg *models.Message) error
}

type memState struct {
	accounts    map[string]*models.Account
	threads     map[string]*models.Thread
	messages    map[string]*models.Message
	externalIDs map[string]string
	order       []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		accounts:    make(map[string]*models.Account),
		threads:     make(map[string]*models.Thread),
		messages:    make(map[string]*models.Message),
		externalIDs: make(map[string]string),
	}}
}

// AddAccount stores a copy of account, assigning an id when empty.
func (s *MemoryStore) AddAccount(account *models.Account) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.VerificationStatus == "" {
		account.VerificationStatus = models.VerificationUnverified
	}
	now := time.Now()
	account.CreatedAt, account.UpdatedAt = now, now
	cp := *account
	s.state.accounts[cp.ID] = &cp
	return account
}

// Threads returns a snapshot of every thread, ordered by creation.
func (s *MemoryStore) Threads() []*models.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Thread, 0, len(s.state.threads))
	for _, t := range s.state.threads {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Messages returns a snapshot of every message in insertion order.
func (s *MemoryStore) Messages() []*models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Message, 0, len(s.state.order))
	for _, id := range s.state.order {
		cp := *s.state.messages[id]
		out = append(out, &cp)
	}
	return out
}

// WithTx implements db.Store.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(q db.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	draft := s.state.clone()
	if err := fn(&memQueries{st: draft, store: s}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func (s *MemoryStore) run(fn func(q *memQueries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memQueries{st: s.state, store: s})
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (a *models.Account, err error) {
	err = s.run(func(q *memQueries) error { a, err = q.GetAccount(ctx, accountID); return err })
	return a, err
}

func (s *MemoryStore) GetDefaultAccount(ctx context.Context, userID string) (a *models.Account, err error) {
	err = s.run(func(q *memQueries) error { a, err = q.GetDefaultAccount(ctx, userID); return err })
	return a, err
}

func (s *MemoryStore) ListActiveAccounts(ctx context.Context, userID string) (list []*models.Account, err error) {
	err = s.run(func(q *memQueries) error { list, err = q.ListActiveAccounts(ctx, userID); return err })
	return list, err
}

func (s *MemoryStore) UpdateSyncCheckpoint(ctx context.Context, accountID, checkpoint string, syncedAt time.Time) error {
	return s.run(func(q *memQueries) error { return q.UpdateSyncCheckpoint(ctx, accountID, checkpoint, syncedAt) })
}

func (s *MemoryStore) SetVerificationStatus(ctx context.Context, accountID string, status models.VerificationStatus, lastError string, at time.Time) error {
	return s.run(func(q *memQueries) error { return q.SetVerificationStatus(ctx, accountID, status, lastError, at) })
}

func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (t *models.Thread, err error) {
	err = s.run(func(q *memQueries) error { t, err = q.GetThread(ctx, threadID); return err })
	return t, err
}

func (s *MemoryStore) FindThreadByExternalID(ctx context.Context, accountID, externalThreadID string) (t *models.Thread, err error) {
	err = s.run(func(q *memQueries) error { t, err = q.FindThreadByExternalID(ctx, accountID, externalThreadID); return err })
	return t, err
}

func (s *MemoryStore) FindThreadByMessageIDHeaders(ctx context.Context, accountID string, headers []string) (t *models.Thread, err error) {
	err = s.run(func(q *memQueries) error { t, err = q.FindThreadByMessageIDHeaders(ctx, accountID, headers); return err })
	return t, err
}

func (s *MemoryStore) CreateThread(ctx context.Context, thread *models.Thread) (created bool, err error) {
	err = s.run(func(q *memQueries) error { created, err = q.CreateThread(ctx, thread); return err })
	return created, err
}

func (s *MemoryStore) LinkExternalThread(ctx context.Context, threadID, externalThreadID string) error {
	return s.run(func(q *memQueries) error { return q.LinkExternalThread(ctx, threadID, externalThreadID) })
}

func (s *MemoryStore) RecordThreadMessage(ctx context.Context, threadID string, at time.Time, participants []string) error {
	return s.run(func(q *memQueries) error { return q.RecordThreadMessage(ctx, threadID, at, participants) })
}

func (s *MemoryStore) TouchThread(ctx context.Context, threadID string, at time.Time) error {
	return s.run(func(q *memQueries) error { return q.TouchThread(ctx, threadID, at) })
}

func (s *MemoryStore) MessageExists(ctx context.Context, externalMessageID string) (exists bool, err error) {
	err = s.run(func(q *memQueries) error { exists, err = q.MessageExists(ctx, externalMessageID); return err })
	return exists, err
}

func (s *MemoryStore) InsertMessage(ctx context.Context, message *models.Message) (inserted bool, err error) {
	err = s.run(func(q *memQueries) error { inserted, err = q.InsertMessage(ctx, message); return err })
	return inserted, err
}

func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (m *models.Message, err error) {
	err = s.run(func(q *memQueries) error { m, err = q.GetMessage(ctx, messageID); return err })
	return m, err
}

func (s *MemoryStore) UpdateMessageDelivery(ctx context.Context, messageID string, update db.DeliveryUpdate) error {
	return s.run(func(q *memQueries) error { return q.UpdateMessageDelivery(ctx, messageID, update) })
}

func (st *memState) clone() *memState {
	out := &memState{
		accounts:    make(map[string]*models.Account, len(st.accounts)),
		threads:     make(map[string]*models.Thread, len(st.threads)),
		messages:    make(map[string]*models.Message, len(st.messages)),
		externalIDs: make(map[string]string, len(st.externalIDs)),
		order:       slices.Clone(st.order),
	}
	for k, v := range st.accounts {
		cp := *v
		out.accounts[k] = &cp
	}
	for k, v := range st.threads {
		cp := *v
		cp.Participants = slices.Clone(v.Participants)
		out.threads[k] = &cp
	}
	for k, v := range st.messages {
		cp := *v
		out.messages[k] = &cp
	}
	for k, v := range st.externalIDs {
		out.externalIDs[k] = v
	}
	return out
}

// memQueries operates on one state without locking; the caller holds the lock.
type memQueries struct {
	st    *memState
	store *MemoryStore
}

func (q *memQueries) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	a, ok := q.st.accounts[accountID]
	if !ok {
		return nil, db.ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (q *memQueries) GetDefaultAccount(ctx context.Context, userID string) (*models.Account, error) {
	accounts, _ := q.ListActiveAccounts(ctx, userID)
	if len(accounts) == 0 {
		return nil, db.ErrAccountNotFound
	}
	for _, a := range accounts {
		if a.IsDefault {
			return a, nil
		}
	}
	return accounts[0], nil
}

func (q *memQueries) ListActiveAccounts(_ context.Context, userID string) ([]*models.Account, error) {
	var out []*models.Account
	for _, a := range q.st.accounts {
		if a.UserID == userID && a.IsActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (q *memQueries) UpdateSyncCheckpoint(_ context.Context, accountID, checkpoint string, syncedAt time.Time) error {
	a, ok := q.st.accounts[accountID]
	if !ok {
		return db.ErrAccountNotFound
	}
	a.SyncCheckpoint = checkpoint
	a.LastSyncAt = &syncedAt
	return nil
}

func (q *memQueries) SetVerificationStatus(_ context.Context, accountID string, status models.VerificationStatus, lastError string, at time.Time) error {
	a, ok := q.st.accounts[accountID]
	if !ok {
		return db.ErrAccountNotFound
	}
	a.VerificationStatus = status
	a.LastError = lastError
	if status == models.VerificationVerified {
		a.VerifiedAt = &at
	}
	return nil
}

func (q *memQueries) GetThread(_ context.Context, threadID string) (*models.Thread, error) {
	t, ok := q.st.threads[threadID]
	if !ok {
		return nil, db.ErrThreadNotFound
	}
	cp := *t
	return &cp, nil
}

func (q *memQueries) FindThreadByExternalID(_ context.Context, accountID, externalThreadID string) (*models.Thread, error) {
	for _, t := range q.st.threads {
		if t.AccountID == accountID && t.ExternalThreadID == externalThreadID && externalThreadID != "" {
			cp := *t
			return &cp, nil
		}
	}
	return nil, db.ErrThreadNotFound
}

func (q *memQueries) FindThreadByMessageIDHeaders(ctx context.Context, accountID string, headers []string) (*models.Thread, error) {
	var best *models.Message
	for _, m := range q.st.messages {
		if m.AccountID != accountID || m.MessageIDHeader == "" || !slices.Contains(headers, m.MessageIDHeader) {
			continue
		}
		if best == nil || (m.SentAt != nil && (best.SentAt == nil || m.SentAt.After(*best.SentAt))) {
			best = m
		}
	}
	if best == nil {
		return nil, db.ErrThreadNotFound
	}
	return q.GetThread(ctx, best.ThreadID)
}

func (q *memQueries) CreateThread(ctx context.Context, thread *models.Thread) (bool, error) {
	if thread.ExternalThreadID != "" {
		if existing, err := q.FindThreadByExternalID(ctx, thread.AccountID, thread.ExternalThreadID); err == nil {
			*thread = *existing
			return false, nil
		}
	}

	now := time.Now()
	thread.ID = uuid.NewString()
	thread.Participants = models.MergeParticipants(nil, thread.Participants)
	thread.MessageCount = 0
	thread.CreatedAt, thread.UpdatedAt = now, now
	if thread.Labels == nil {
		thread.Labels = []string{}
	}
	cp := *thread
	cp.Participants = slices.Clone(thread.Participants)
	q.st.threads[cp.ID] = &cp
	return true, nil
}

func (q *memQueries) LinkExternalThread(ctx context.Context, threadID, externalThreadID string) error {
	t, ok := q.st.threads[threadID]
	if !ok || t.ExternalThreadID != "" {
		return nil
	}
	if _, err := q.FindThreadByExternalID(ctx, t.AccountID, externalThreadID); err == nil {
		return nil
	}
	t.ExternalThreadID = externalThreadID
	return nil
}

func (q *memQueries) RecordThreadMessage(_ context.Context, threadID string, at time.Time, participants []string) error {
	t, ok := q.st.threads[threadID]
	if !ok {
		return db.ErrThreadNotFound
	}
	t.MessageCount++
	if t.LastMessageAt == nil || at.After(*t.LastMessageAt) {
		t.LastMessageAt = &at
	}
	t.Participants = models.MergeParticipants(t.Participants, participants)
	t.UpdatedAt = time.Now()
	return nil
}

func (q *memQueries) TouchThread(_ context.Context, threadID string, at time.Time) error {
	if t, ok := q.st.threads[threadID]; ok && (t.LastMessageAt == nil || at.After(*t.LastMessageAt)) {
		t.LastMessageAt = &at
	}
	return nil
}

func (q *memQueries) MessageExists(_ context.Context, externalMessageID string) (bool, error) {
	_, ok := q.st.externalIDs[externalMessageID]
	return ok, nil
}

func (q *memQueries) InsertMessage(_ context.Context, message *models.Message) (bool, error) {
	if message.ExternalMessageID != "" {
		if _, dup := q.st.externalIDs[message.ExternalMessageID]; dup {
			return false, nil
		}
	}
	if q.store.BeforeInsert != nil {
		if err := q.store.BeforeInsert(message); err != nil {
			return false, err
		}
	}
	if _, ok := q.st.threads[message.ThreadID]; !ok {
		return false, db.ErrThreadNotFound
	}

	now := time.Now()
	message.ID = uuid.NewString()
	message.CreatedAt, message.UpdatedAt = now, now
	for i := range message.Attachments {
		message.Attachments[i].ID = uuid.NewString()
		message.Attachments[i].MessageID = message.ID
		if message.Attachments[i].SizeBytes == 0 {
			message.Attachments[i].SizeBytes = int64(len(message.Attachments[i].Content))
		}
	}

	cp := *message
	cp.Attachments = slices.Clone(message.Attachments)
	q.st.messages[cp.ID] = &cp
	q.st.order = append(q.st.order, cp.ID)
	if cp.ExternalMessageID != "" {
		q.st.externalIDs[cp.ExternalMessageID] = cp.ID
	}
	return true, nil
}

func (q *memQueries) GetMessage(_ context.Context, messageID string) (*models.Message, error) {
	m, ok := q.st.messages[messageID]
	if !ok {
		return nil, db.ErrMessageNotFound
	}
	cp := *m
	cp.Attachments = slices.Clone(m.Attachments)
	return &cp, nil
}

func (q *memQueries) UpdateMessageDelivery(_ context.Context, messageID string, update db.DeliveryUpdate) error {
	m, ok := q.st.messages[messageID]
	if !ok {
		return db.ErrMessageNotFound
	}
	m.DeliveryStatus = update.Status
	m.DeliveryError = update.Error
	if update.ExternalMessageID != "" {
		if m.ExternalMessageID != "" {
			delete(q.st.externalIDs, m.ExternalMessageID)
		}
		m.ExternalMessageID = update.ExternalMessageID
		q.st.externalIDs[update.ExternalMessageID] = m.ID
	}
	if update.CountAttempt {
		m.DeliveryAttempts++
	}
	if update.SentAt != nil {
		at := *update.SentAt
		m.SentAt = &at
	}
	m.UpdatedAt = time.Now()
	return nil
}

var _ db.Store = (*MemoryStore)(nil)
