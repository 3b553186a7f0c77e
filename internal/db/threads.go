package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailcore/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

const threadColumns = `
	t.id, t.user_id, t.account_id, t.external_thread_id, t.subject, t.participants,
	t.last_message_at, t.message_count, t.is_archived, t.labels, t.created_at, t.updated_at`

func scanThread(row pgx.Row) (*models.Thread, error) {
	var thread models.Thread
	var accountID, externalThreadID *string

	err := row.Scan(
		&thread.ID, &thread.UserID, &accountID, &externalThreadID, &thread.Subject, &thread.Participants,
		&thread.LastMessageAt, &thread.MessageCount, &thread.IsArchived, &thread.Labels,
		&thread.CreatedAt, &thread.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	thread.AccountID = deref(accountID)
	thread.ExternalThreadID = deref(externalThreadID)
	return &thread, nil
}

// GetThread returns a thread by its database ID.
func GetThread(ctx context.Context, q Querier, threadID string) (*models.Thread, error) {
	thread, err := scanThread(q.QueryRow(ctx, `SELECT `+threadColumns+` FROM threads t WHERE t.id = $1`, threadID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, dbErr("failed to get thread", err)
	}

	return thread, nil
}

// FindThreadByExternalID returns the thread the provider groups under externalThreadID.
func FindThreadByExternalID(ctx context.Context, q Querier, accountID, externalThreadID string) (*models.Thread, error) {
	thread, err := scanThread(q.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads t
		WHERE t.account_id = $1 AND t.external_thread_id = $2
	`, accountID, externalThreadID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, dbErr("failed to find thread by external id", err)
	}

	return thread, nil
}

// FindThreadByMessageIDHeaders returns the thread holding the most recent
// message of the account whose Message-ID is one of headers.
func FindThreadByMessageIDHeaders(ctx context.Context, q Querier, accountID string, headers []string) (*models.Thread, error) {
	if len(headers) == 0 {
		return nil, ErrThreadNotFound
	}

	thread, err := scanThread(q.QueryRow(ctx, `
		SELECT `+threadColumns+`
		FROM threads t
		INNER JOIN messages m ON m.thread_id = t.id
		WHERE m.account_id = $1 AND m.message_id_header = ANY($2)
		ORDER BY m.sent_at DESC NULLS LAST
		LIMIT 1
	`, accountID, headers))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, dbErr("failed to find thread by message id headers", err)
	}

	return thread, nil
}

// CreateThread inserts a thread, or returns the existing one when a thread with
// the same external id already exists for the account. created reports whether
// a new row was written.
func CreateThread(ctx context.Context, q Querier, thread *models.Thread) (created bool, err error) {
	err = q.QueryRow(ctx, `
		INSERT INTO threads (user_id, account_id, external_thread_id, subject, participants, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, external_thread_id) WHERE external_thread_id IS NOT NULL DO NOTHING
		RETURNING id, message_count, created_at, updated_at
	`,
		thread.UserID,
		nullable(thread.AccountID),
		nullable(thread.ExternalThreadID),
		thread.Subject,
		orEmpty(models.MergeParticipants(nil, thread.Participants)),
		thread.LastMessageAt,
	).Scan(&thread.ID, &thread.MessageCount, &thread.CreatedAt, &thread.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		existing, findErr := FindThreadByExternalID(ctx, q, thread.AccountID, thread.ExternalThreadID)
		if findErr != nil {
			return false, findErr
		}
		*thread = *existing
		return false, nil
	}
	if err != nil {
		return false, dbErr("failed to create thread", err)
	}

	thread.Participants = orEmpty(models.MergeParticipants(nil, thread.Participants))
	if thread.Labels == nil {
		thread.Labels = []string{}
	}
	return true, nil
}

// LinkExternalThread records the provider thread id on a thread that was
// created locally. It is a no-op when the thread is already linked or another
// thread of the account owns that id.
func LinkExternalThread(ctx context.Context, q Querier, threadID, externalThreadID string) error {
	_, err := q.Exec(ctx, `
		UPDATE threads t
		SET external_thread_id = $2, updated_at = now()
		WHERE t.id = $1
		  AND t.external_thread_id IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM threads o
			WHERE o.account_id = t.account_id AND o.external_thread_id = $2
		  )
	`, threadID, externalThreadID)
	if err != nil {
		return dbErr("failed to link external thread", err)
	}
	return nil
}

// RecordThreadMessage applies the per-message thread bookkeeping in a single
// statement: the count grows by one, last_message_at only moves forward, and new
// participants are appended in first-seen order.
func RecordThreadMessage(ctx context.Context, q Querier, threadID string, at time.Time, participants []string) error {
	tag, err := q.Exec(ctx, `
		UPDATE threads
		SET message_count = message_count + 1,
			last_message_at = GREATEST(COALESCE(last_message_at, $2), $2),
			participants = participants || ARRAY(
				SELECT p FROM unnest($3::text[]) WITH ORDINALITY AS x(p, n)
				WHERE p <> ALL(participants)
				ORDER BY n
			),
			updated_at = now()
		WHERE id = $1
	`, threadID, at, orEmpty(models.MergeParticipants(nil, participants)))
	if err != nil {
		return dbErr("failed to record thread message", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrThreadNotFound
	}

	return nil
}

// TouchThread moves last_message_at forward without counting a new message.
// Used when a previously failed send is delivered on retry.
func TouchThread(ctx context.Context, q Querier, threadID string, at time.Time) error {
	_, err := q.Exec(ctx, `
		UPDATE threads
		SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2), updated_at = now()
		WHERE id = $1
	`, threadID, at)
	if err != nil {
		return dbErr("failed to touch thread", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
