package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/vdavid/mailcore/internal/imap"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
)

// Watcher is implemented by gateways that can push new-mail notifications.
type Watcher interface {
	Watch(ctx context.Context, account *models.Account, onNewMail func()) error
}

var _ Watcher = (*IMAPSMTPGateway)(nil)

// Watch keeps an IDLE session on the account's INBOX and calls onNewMail on
// every mailbox update. Dropped sessions are re-established until ctx ends.
func (g *IMAPSMTPGateway) Watch(ctx context.Context, account *models.Account, onNewMail func()) error {
	log := g.log.WithField("account_id", account.ID)
	delay := time.Second

	for {
		err := g.watchOnce(ctx, account, onNewMail)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, mailerr.ErrProviderRejected) {
			return err
		}
		log.WithError(err).Warnf("IDLE session ended, reconnecting in %s", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, time.Minute)
	}
}

func (g *IMAPSMTPGateway) watchOnce(ctx context.Context, account *models.Account, onNewMail func()) error {
	c, release, err := g.dialIMAP(ctx, account)
	if err != nil {
		return err
	}
	defer release()

	return imap.WatchInbox(ctx, c, onNewMail)
}

