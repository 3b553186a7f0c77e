package mailsync

import (
	"context"
	"errors"

	"github.com/vdavid/mailcore/internal/gateway"
	"github.com/vdavid/mailcore/internal/models"
)

// Watch syncs account every time w reports new mail, until ctx ends.
// Notifications that arrive while a pass runs are coalesced into one
// follow-up pass.
func (o *Orchestrator) Watch(ctx context.Context, w gateway.Watcher, account *models.Account) error {
	log := o.log.WithField("account_id", account.ID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	pending := make(chan struct{}, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
			}
			summary, err := o.Sync(ctx, account.ID, account.UserID)
			switch {
			case errors.Is(err, ErrSyncInProgress):
				log.Debug("Sync already running, skipping push-triggered pass")
			case err != nil:
				log.WithError(err).Warn("Push-triggered sync failed")
			default:
				log.WithField("synced", summary.Synced).Debug("Push-triggered sync finished")
			}
		}
	}()

	err := w.Watch(ctx, account, func() {
		select {
		case pending <- struct{}{}:
		default:
		}
	})
	cancel()
	<-done
	return err
}
