package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailcore/internal/models"
)

// Queries is the persistence surface used by the sync and send paths.
// The same methods run against the pool or inside a transaction.
type Queries interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	GetDefaultAccount(ctx context.Context, userID string) (*models.Account, error)
	ListActiveAccounts(ctx context.Context, userID string) ([]*models.Account, error)
	UpdateSyncCheckpoint(ctx context.Context, accountID, checkpoint string, syncedAt time.Time) error
	SetVerificationStatus(ctx context.Context, accountID string, status models.VerificationStatus, lastError string, at time.Time) error

	GetThread(ctx context.Context, threadID string) (*models.Thread, error)
	FindThreadByExternalID(ctx context.Context, accountID, externalThreadID string) (*models.Thread, error)
	FindThreadByMessageIDHeaders(ctx context.Context, accountID string, headers []string) (*models.Thread, error)
	CreateThread(ctx context.Context, thread *models.Thread) (bool, error)
	LinkExternalThread(ctx context.Context, threadID, externalThreadID string) error
	RecordThreadMessage(ctx context.Context, threadID string, at time.Time, participants []string) error
	TouchThread(ctx context.Context, threadID string, at time.Time) error

	MessageExists(ctx context.Context, externalMessageID string) (bool, error)
	InsertMessage(ctx context.Context, message *models.Message) (bool, error)
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	UpdateMessageDelivery(ctx context.Context, messageID string, update DeliveryUpdate) error
}

// Store adds transactions to Queries.
// This allows the orchestrators to be tested with an in-memory implementation.
type Store interface {
	Queries
	// WithTx runs fn in a transaction. The transaction commits when fn returns
	// nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(q Queries) error) error
}

// PgStore implements Store on a pgx connection pool.
type PgStore struct {
	*queries
	pool *pgxpool.Pool
}

// NewStore creates a Store that uses the given database pool.
func NewStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{queries: &queries{q: pool}, pool: pool}
}

// WithTx implements Store.
func (s *PgStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&queries{q: tx})
	})
	if err != nil && isTransientPgError(err) {
		return dbErr("transaction failed", err)
	}
	return err
}

// queries binds the package-level functions to one Querier.
type queries struct {
	q Querier
}

func (s *queries) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	return GetAccount(ctx, s.q, accountID)
}

func (s *queries) GetDefaultAccount(ctx context.Context, userID string) (*models.Account, error) {
	return GetDefaultAccount(ctx, s.q, userID)
}

func (s *queries) ListActiveAccounts(ctx context.Context, userID string) ([]*models.Account, error) {
	return ListActiveAccounts(ctx, s.q, userID)
}

func (s *queries) UpdateSyncCheckpoint(ctx context.Context, accountID, checkpoint string, syncedAt time.Time) error {
	return UpdateSyncCheckpoint(ctx, s.q, accountID, checkpoint, syncedAt)
}

func (s *queries) SetVerificationStatus(ctx context.Context, accountID string, status models.VerificationStatus, lastError string, at time.Time) error {
	return SetVerificationStatus(ctx, s.q, accountID, status, lastError, at)
}

func (s *queries) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	return GetThread(ctx, s.q, threadID)
}

func (s *queries) FindThreadByExternalID(ctx context.Context, accountID, externalThreadID string) (*models.Thread, error) {
	return FindThreadByExternalID(ctx, s.q, accountID, externalThreadID)
}

func (s *queries) FindThreadByMessageIDHeaders(ctx context.Context, accountID string, headers []string) (*models.Thread, error) {
	return FindThreadByMessageIDHeaders(ctx, s.q, accountID, headers)
}

func (s *queries) CreateThread(ctx context.Context, thread *models.Thread) (bool, error) {
	return CreateThread(ctx, s.q, thread)
}

func (s *queries) LinkExternalThread(ctx context.Context, threadID, externalThreadID string) error {
	return LinkExternalThread(ctx, s.q, threadID, externalThreadID)
}

func (s *queries) RecordThreadMessage(ctx context.Context, threadID string, at time.Time, participants []string) error {
	return RecordThreadMessage(ctx, s.q, threadID, at, participants)
}

func (s *queries) TouchThread(ctx context.Context, threadID string, at time.Time) error {
	return TouchThread(ctx, s.q, threadID, at)
}

func (s *queries) MessageExists(ctx context.Context, externalMessageID string) (bool, error) {
	return MessageExists(ctx, s.q, externalMessageID)
}

func (s *queries) InsertMessage(ctx context.Context, message *models.Message) (bool, error) {
	return InsertMessage(ctx, s.q, message)
}

func (s *queries) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	return GetMessage(ctx, s.q, messageID)
}

func (s *queries) UpdateMessageDelivery(ctx context.Context, messageID string, update DeliveryUpdate) error {
	return UpdateMessageDelivery(ctx, s.q, messageID, update)
}
