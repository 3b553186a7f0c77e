package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailcore/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id, user_id, provider, email_address, display_name,
	imap_host, imap_username, encrypted_imap_password,
	smtp_host, smtp_username, encrypted_smtp_password,
	encrypted_oauth_token, is_default, is_active,
	sync_checkpoint, last_sync_at, verification_status, verified_at, last_error,
	created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var provider, status string

	err := row.Scan(
		&a.ID, &a.UserID, &provider, &a.EmailAddress, &a.DisplayName,
		&a.IMAPHost, &a.IMAPUsername, &a.EncryptedIMAPPassword,
		&a.SMTPHost, &a.SMTPUsername, &a.EncryptedSMTPPassword,
		&a.EncryptedOAuthToken, &a.IsDefault, &a.IsActive,
		&a.SyncCheckpoint, &a.LastSyncAt, &status, &a.VerifiedAt, &a.LastError,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Provider = models.ProviderKind(provider)
	a.VerificationStatus = models.VerificationStatus(status)
	return &a, nil
}

// CreateAccount inserts a new account and fills in its generated fields.
func CreateAccount(ctx context.Context, q Querier, account *models.Account) error {
	if !account.Provider.Valid() {
		return fmt.Errorf("unknown provider %q", account.Provider)
	}
	if account.VerificationStatus == "" {
		account.VerificationStatus = models.VerificationUnverified
	}

	err := q.QueryRow(ctx, `
		INSERT INTO accounts (
			user_id, provider, email_address, display_name,
			imap_host, imap_username, encrypted_imap_password,
			smtp_host, smtp_username, encrypted_smtp_password,
			encrypted_oauth_token, is_default, is_active, verification_status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`,
		account.UserID, string(account.Provider), account.EmailAddress, account.DisplayName,
		account.IMAPHost, account.IMAPUsername, account.EncryptedIMAPPassword,
		account.SMTPHost, account.SMTPUsername, account.EncryptedSMTPPassword,
		account.EncryptedOAuthToken, account.IsDefault, account.IsActive, string(account.VerificationStatus),
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)

	if err != nil {
		return dbErr("failed to create account", err)
	}

	return nil
}

// GetAccount returns an account by its ID.
func GetAccount(ctx context.Context, q Querier, accountID string) (*models.Account, error) {
	account, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, dbErr("failed to get account", err)
	}

	return account, nil
}

// GetDefaultAccount returns the user's default account. When no account is
// flagged as default, the oldest active account is used.
func GetDefaultAccount(ctx context.Context, q Querier, userID string) (*models.Account, error) {
	account, err := scanAccount(q.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND is_active
		ORDER BY is_default DESC, created_at
		LIMIT 1
	`, userID))

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, dbErr("failed to get default account", err)
	}

	return account, nil
}

// ListActiveAccounts returns every active account of the user, oldest first.
func ListActiveAccounts(ctx context.Context, q Querier, userID string) ([]*models.Account, error) {
	rows, err := q.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND is_active
		ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, dbErr("failed to list accounts", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, dbErr("failed to scan account", err)
		}
		accounts = append(accounts, account)
	}

	if err := rows.Err(); err != nil {
		return nil, dbErr("failed to iterate accounts", err)
	}

	return accounts, nil
}

// ListActiveAccountsByProvider returns every active account served by provider,
// across all users.
func ListActiveAccountsByProvider(ctx context.Context, q Querier, provider models.ProviderKind) ([]*models.Account, error) {
	rows, err := q.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE provider = $1 AND is_active
		ORDER BY created_at
	`, string(provider))
	if err != nil {
		return nil, dbErr("failed to list accounts", err)
	}
	defer rows.Close()

	accounts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Account, error) {
		return scanAccount(row)
	})
	if err != nil {
		return nil, dbErr("failed to scan accounts", err)
	}
	return accounts, nil
}

// UpdateSyncCheckpoint stores the provider cursor reached by a sync pass.
func UpdateSyncCheckpoint(ctx context.Context, q Querier, accountID, checkpoint string, syncedAt time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET sync_checkpoint = $2, last_sync_at = $3, updated_at = now()
		WHERE id = $1
	`, accountID, checkpoint, syncedAt)
	if err != nil {
		return dbErr("failed to update sync checkpoint", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}

// SetVerificationStatus records the outcome of a connection test.
// verified_at only moves when the account verifies successfully.
func SetVerificationStatus(ctx context.Context, q Querier, accountID string, status models.VerificationStatus, lastError string, at time.Time) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts
		SET verification_status = $2,
			last_error = $3,
			verified_at = CASE WHEN $2 = 'verified' THEN $4 ELSE verified_at END,
			updated_at = now()
		WHERE id = $1
	`, accountID, string(status), lastError, at)
	if err != nil {
		return dbErr("failed to set verification status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return nil
}
