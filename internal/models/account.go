package models

import "time"

// ProviderKind identifies which gateway serves an account.
type ProviderKind string

const (
	ProviderGmail   ProviderKind = "gmail"
	ProviderOutlook ProviderKind = "outlook"
	ProviderSMTP    ProviderKind = "smtp"
)

// Valid reports whether p is one of the supported providers.
func (p ProviderKind) Valid() bool {
	switch p {
	case ProviderGmail, ProviderOutlook, ProviderSMTP:
		return true
	}
	return false
}

// VerificationStatus is the outcome of the last connection verification.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
	VerificationFailed     VerificationStatus = "failed"
)

// Account is a linked mailbox. Accounts are deactivated, never deleted.
type Account struct {
	ID                    string             `json:"id"`
	UserID                string             `json:"user_id"`
	Provider              ProviderKind       `json:"provider"`
	EmailAddress          string             `json:"email_address"`
	DisplayName           string             `json:"display_name"`
	IMAPHost              string             `json:"imap_host"`
	IMAPUsername          string             `json:"imap_username"`
	EncryptedIMAPPassword []byte             `json:"-"`
	SMTPHost              string             `json:"smtp_host"`
	SMTPUsername          string             `json:"smtp_username"`
	EncryptedSMTPPassword []byte             `json:"-"`
	EncryptedOAuthToken   []byte             `json:"-"`
	IsDefault             bool               `json:"is_default"`
	IsActive              bool               `json:"is_active"`
	SyncCheckpoint        string             `json:"sync_checkpoint"`
	LastSyncAt            *time.Time         `json:"last_sync_at"`
	VerificationStatus    VerificationStatus `json:"verification_status"`
	VerifiedAt            *time.Time         `json:"verified_at"`
	LastError             string             `json:"last_error,omitempty"`
	CreatedAt             time.Time          `json:"created_at"`
	UpdatedAt             time.Time          `json:"updated_at"`
}
