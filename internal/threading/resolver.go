// Package threading attaches inbound and outbound messages to local threads
// and guarantees that a provider message is persisted at most once.
package threading

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/vdavid/mailcore/internal/audit"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/deliverability"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
)

// Status is the outcome of resolving one inbound message.
type Status int

const (
	// Synced means the message was inserted.
	Synced Status = iota
	// Skipped means the message was already stored. Not an error.
	Skipped
)

func (s Status) String() string {
	if s == Skipped {
		return "skipped"
	}
	return "synced"
}

// Outcome reports what Resolve did.
type Outcome struct {
	Status        Status
	ThreadID      string
	MessageID     string
	ThreadCreated bool
}

// errAlreadyStored rolls the transaction back when the insert loses a race
// against a concurrent resolver.
var errAlreadyStored = errors.New("message already stored")

// Resolver persists inbound messages into threads.
type Resolver struct {
	store db.Store
	audit audit.Hook
	now   func() time.Time
}

// NewResolver creates a Resolver. A nil hook discards audit events.
func NewResolver(store db.Store, hook audit.Hook) *Resolver {
	if hook == nil {
		hook = audit.Nop{}
	}
	return &Resolver{store: store, audit: hook, now: time.Now}
}

// AlreadySynced reports whether a message with externalID is stored.
// Both the sync and the retry paths gate on it.
func AlreadySynced(ctx context.Context, q db.Queries, externalID string) (bool, error) {
	if externalID == "" {
		return false, nil
	}
	exists, err := q.MessageExists(ctx, externalID)
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return exists, nil
}

// Resolve stores msg for account in one transaction:
// dedup by external id, then find the thread by external thread id, then by
// referenced Message-IDs, else create one, then insert and bump the counters.
func (r *Resolver) Resolve(ctx context.Context, account *models.Account, msg *models.ExternalMessage) (Outcome, error) {
	if msg == nil || msg.ExternalMessageID == "" {
		return Outcome{}, fmt.Errorf("%w: message without external id", mailerr.ErrInvalidRequest)
	}

	var out Outcome
	err := r.store.WithTx(ctx, func(q db.Queries) error {
		out = Outcome{}

		exists, err := AlreadySynced(ctx, q, msg.ExternalMessageID)
		if err != nil {
			return err
		}
		if exists {
			out.Status = Skipped
			return nil
		}

		thread, created, err := r.findOrCreateThread(ctx, q, account, msg)
		if err != nil {
			return err
		}

		message := toMessage(account, thread.ID, msg)
		inserted, err := q.InsertMessage(ctx, message)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		if !inserted {
			return errAlreadyStored
		}

		at := msg.SentAt
		if at.IsZero() {
			at = r.now()
		}
		if err := q.RecordThreadMessage(ctx, thread.ID, at, msg.Participants()); err != nil {
			return fmt.Errorf("failed to update thread counters: %w", err)
		}

		out = Outcome{Status: Synced, ThreadID: thread.ID, MessageID: message.ID, ThreadCreated: created}
		return nil
	})
	if errors.Is(err, errAlreadyStored) {
		return Outcome{Status: Skipped}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	if out.Status == Synced {
		at := r.now()
		if out.ThreadCreated {
			r.audit.Record(ctx, audit.Event{Entity: audit.EntityThread, EntityID: out.ThreadID, Action: audit.ActionCreated, UserID: account.UserID, At: at})
		}
		r.audit.Record(ctx, audit.Event{Entity: audit.EntityMessage, EntityID: out.MessageID, Action: audit.ActionCreated, UserID: account.UserID, At: at})
	}
	return out, nil
}

func (r *Resolver) findOrCreateThread(ctx context.Context, q db.Queries, account *models.Account, msg *models.ExternalMessage) (*models.Thread, bool, error) {
	if msg.ExternalThreadID != "" {
		thread, err := q.FindThreadByExternalID(ctx, account.ID, msg.ExternalThreadID)
		if err == nil {
			return thread, false, nil
		}
		if !errors.Is(err, db.ErrThreadNotFound) {
			return nil, false, fmt.Errorf("failed to look up thread: %w", err)
		}
	}

	if headers := referencedIDs(msg.InReplyTo, msg.References); len(headers) > 0 {
		thread, err := q.FindThreadByMessageIDHeaders(ctx, account.ID, headers)
		switch {
		case err == nil:
			if msg.ExternalThreadID != "" && thread.ExternalThreadID == "" {
				if err := q.LinkExternalThread(ctx, thread.ID, msg.ExternalThreadID); err != nil {
					return nil, false, fmt.Errorf("failed to link thread: %w", err)
				}
			}
			return thread, false, nil
		case !errors.Is(err, db.ErrThreadNotFound):
			return nil, false, fmt.Errorf("failed to look up thread by references: %w", err)
		}
	}

	thread := &models.Thread{
		UserID:           account.UserID,
		AccountID:        account.ID,
		ExternalThreadID: msg.ExternalThreadID,
		Subject:          msg.Subject,
		Participants:     msg.Participants(),
	}
	created, err := q.CreateThread(ctx, thread)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, created, nil
}

func referencedIDs(inReplyTo string, references []string) []string {
	ids := slices.Clone(references)
	if inReplyTo != "" && !slices.Contains(ids, inReplyTo) {
		ids = append(ids, inReplyTo)
	}
	return slices.DeleteFunc(ids, func(s string) bool { return s == "" })
}

func toMessage(account *models.Account, threadID string, msg *models.ExternalMessage) *models.Message {
	html := deliverability.SanitizeHTML(msg.HTML)
	text := msg.Text
	if text == "" && html != "" {
		text = deliverability.HTMLToText(html)
	}

	direction := msg.Direction
	if direction == "" {
		direction = models.DirectionReceived
	}
	status := models.DeliveryReceived
	if direction == models.DirectionSent {
		status = models.DeliverySent
	}

	var sentAt *time.Time
	if !msg.SentAt.IsZero() {
		t := msg.SentAt
		sentAt = &t
	}

	return &models.Message{
		ThreadID:          threadID,
		AccountID:         account.ID,
		UserID:            account.UserID,
		ExternalMessageID: msg.ExternalMessageID,
		MessageIDHeader:   msg.MessageIDHeader,
		InReplyTo:         msg.InReplyTo,
		References:        msg.References,
		Direction:         direction,
		DeliveryStatus:    status,
		FromAddress:       msg.From,
		ToAddresses:       msg.To,
		CCAddresses:       msg.CC,
		BCCAddresses:      msg.BCC,
		Subject:           msg.Subject,
		BodyHTML:          html,
		BodyText:          text,
		IsRead:            msg.IsRead,
		IsStarred:         msg.IsStarred,
		SentAt:            sentAt,
		Attachments:       msg.Attachments,
	}
}
