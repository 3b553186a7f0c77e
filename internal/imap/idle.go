package imap

import (
	"context"
	"fmt"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// idlePollInterval is the NOOP polling interval used when the server lacks IDLE.
const idlePollInterval = 5 * time.Second

// WatchInbox selects INBOX and idles on it, calling onNewMail whenever the
// server reports a non-empty INBOX status. It blocks until ctx is canceled
// (returning nil) or the connection fails.
func WatchInbox(ctx context.Context, c *imapclient.Client, onNewMail func()) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}

	if _, err := c.Select(Inbox, false); err != nil {
		return fmt.Errorf("failed to select INBOX: %w", err)
	}

	idleClient := idle.NewClient(c)

	// Create a channel to receive mailbox updates.
	updates := make(chan imapclient.Update, 10)
	c.Updates = updates
	defer func() { c.Updates = nil }()

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, idlePollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return nil
		case err := <-done:
			if err != nil {
				return fmt.Errorf("idle loop ended: %w", err)
			}
			return nil
		case update := <-updates:
			mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
			if !ok || mboxUpdate.Mailbox == nil {
				continue
			}
			if mboxUpdate.Mailbox.Name != Inbox || mboxUpdate.Mailbox.Messages == 0 {
				continue
			}
			onNewMail()
		}
	}
}
