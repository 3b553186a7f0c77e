package threading

import (
	"context"
	"errors"
	"fmt"

	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
)

// OutboundRequest describes the thread an outgoing message needs.
type OutboundRequest struct {
	UserID  string
	Account *models.Account
	// ThreadID, when set, names the thread being replied to.
	ThreadID     string
	InReplyTo    string
	References   []string
	Subject      string
	Participants []string
}

// ResolveOutbound returns the thread an outgoing message belongs to. Replies
// reuse the thread they answer once ownership is confirmed; anything else gets
// a new local thread. created reports whether a thread row was written.
func ResolveOutbound(ctx context.Context, q db.Queries, req OutboundRequest) (thread *models.Thread, created bool, err error) {
	if req.ThreadID != "" {
		thread, err = q.GetThread(ctx, req.ThreadID)
		if errors.Is(err, db.ErrThreadNotFound) {
			return nil, false, fmt.Errorf("%w: thread %s not found", mailerr.ErrInvalidRequest, req.ThreadID)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to load reply thread: %w", err)
		}
		if thread.UserID != req.UserID || (thread.AccountID != "" && thread.AccountID != req.Account.ID) {
			return nil, false, fmt.Errorf("%w: thread %s belongs to another mailbox", mailerr.ErrInvalidRequest, req.ThreadID)
		}
		return thread, false, nil
	}

	if headers := referencedIDs(req.InReplyTo, req.References); len(headers) > 0 {
		thread, err = q.FindThreadByMessageIDHeaders(ctx, req.Account.ID, headers)
		if err == nil {
			return thread, false, nil
		}
		if !errors.Is(err, db.ErrThreadNotFound) {
			return nil, false, fmt.Errorf("failed to look up reply thread: %w", err)
		}
	}

	thread = &models.Thread{
		UserID:       req.UserID,
		AccountID:    req.Account.ID,
		Subject:      req.Subject,
		Participants: req.Participants,
	}
	if _, err := q.CreateThread(ctx, thread); err != nil {
		return nil, false, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, true, nil
}
