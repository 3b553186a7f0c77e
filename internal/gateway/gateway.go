// Package gateway talks to mail providers. Each provider kind has one Gateway
// that fetches new messages since a checkpoint and opens send connections.
// Callers pick the gateway once per account through a Registry and never
// branch on the provider again.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
	"golang.org/x/oauth2"
)

// FetchResult is one incremental pull from a provider.
type FetchResult struct {
	Messages []*models.ExternalMessage
	// Checkpoint is the provider cursor to store once every message is persisted.
	Checkpoint string
	// FullResync is set when the stored checkpoint was missing or stale and
	// the newest messages were fetched instead.
	FullResync bool
	// Unparseable counts messages dropped because their body could not be
	// decoded. The checkpoint still moves past them.
	Unparseable int
}

// Gateway is the provider-specific side of sync and send.
type Gateway interface {
	Provider() models.ProviderKind
	// FetchMessages returns messages newer than checkpoint. It never mutates
	// the account.
	FetchMessages(ctx context.Context, account *models.Account, checkpoint string) (*FetchResult, error)
	// Connect opens a send connection. The connection is not verified yet.
	Connect(ctx context.Context, account *models.Account) (Connection, error)
}

// Connection is an open, reusable send channel for one account.
type Connection interface {
	Verify(ctx context.Context) error
	// SendMessage returns the provider's id for the accepted message.
	SendMessage(ctx context.Context, msg *models.OutboundMessage) (string, error)
	Close() error
}

// Decrypter opens the credentials stored on an account.
// *crypto.Encryptor satisfies it.
type Decrypter interface {
	Decrypt(ciphertext []byte) (string, error)
	DecryptJSON(ciphertext []byte, v any) error
}

// Verify connects, verifies and closes. It is the one-shot connection test.
func Verify(ctx context.Context, gw Gateway, account *models.Account) error {
	conn, err := gw.Connect(ctx, account)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	return conn.Verify(ctx)
}

// Registry maps provider kinds to gateways.
type Registry struct {
	gateways map[models.ProviderKind]Gateway
}

// NewRegistry registers the given gateways by their Provider().
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.ProviderKind]Gateway, len(gateways))}
	for _, gw := range gateways {
		r.gateways[gw.Provider()] = gw
	}
	return r
}

// For returns the gateway serving account.
func (r *Registry) For(account *models.Account) (Gateway, error) {
	if account == nil {
		return nil, fmt.Errorf("%w: account is nil", mailerr.ErrInvalidRequest)
	}
	gw, ok := r.gateways[account.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway for provider %q", mailerr.ErrInvalidRequest, account.Provider)
	}
	return gw, nil
}

// oauthToken decrypts the account's stored OAuth token.
func oauthToken(dec Decrypter, account *models.Account) (*oauth2.Token, error) {
	if len(account.EncryptedOAuthToken) == 0 {
		return nil, errors.New("account has no OAuth token")
	}

	var tok oauth2.Token
	if err := dec.DecryptJSON(account.EncryptedOAuthToken, &tok); err != nil {
		return nil, fmt.Errorf("failed to decrypt OAuth token: %w", err)
	}
	return &tok, nil
}
