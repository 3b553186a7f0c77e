package api

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/dispatch"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/mailsync"
	"github.com/vdavid/mailcore/internal/models"
)

// Syncer runs a sync pass. *mailsync.Orchestrator implements it.
type Syncer interface {
	Sync(ctx context.Context, accountID, userID string) (*mailsync.Summary, error)
}

// Sender runs the send pipeline. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, req dispatch.SendRequest) (*dispatch.SendResult, error)
	RetryDelivery(ctx context.Context, userID, messageID string) (*dispatch.SendResult, error)
	TestAccountConnection(ctx context.Context, accountID string) (*dispatch.TestResult, error)
}

// AccountLookup loads accounts for ownership checks.
type AccountLookup interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
}

// AccountsHandler serves the per-account operations: sync, send and test.
type AccountsHandler struct {
	syncer   Syncer
	sender   Sender
	accounts AccountLookup
	users    UserResolver
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewAccountsHandler creates a new AccountsHandler instance.
func NewAccountsHandler(syncer Syncer, sender Sender, accounts AccountLookup, users UserResolver, log logrus.FieldLogger) *AccountsHandler {
	return &AccountsHandler{syncer: syncer, sender: sender, accounts: accounts, users: users, log: log, now: time.Now}
}

type syncResponse struct {
	SyncedCount      int    `json:"synced_count"`
	SkippedCount     int    `json:"skipped_count"`
	FailedCount      int    `json:"failed_count"`
	UnparseableCount int    `json:"unparseable_count"`
	HistoryID        string `json:"history_id,omitempty"`
	Advanced         bool   `json:"advanced"`
	FullResync       bool   `json:"full_resync"`
}

// SyncAccount handles POST /api/v1/accounts/{id}/sync.
func (h *AccountsHandler) SyncAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users, h.log)
	if !ok {
		return
	}

	summary, err := h.syncer.Sync(ctx, r.PathValue("id"), userID)
	if err != nil {
		writeError(w, err, h.now(), h.log)
		return
	}

	writeJSON(w, http.StatusOK, syncResponse{
		SyncedCount:      summary.Synced,
		SkippedCount:     summary.Skipped,
		FailedCount:      summary.Failed,
		UnparseableCount: summary.Unparseable,
		HistoryID:        summary.Checkpoint,
		Advanced:         summary.Advanced,
		FullResync:       summary.FullResync,
	}, h.log)
}

type attachmentRequest struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	Content   []byte `json:"content"`
	IsInline  bool   `json:"is_inline,omitempty"`
	ContentID string `json:"content_id,omitempty"`
}

type sendRequest struct {
	To          []string            `json:"to"`
	CC          []string            `json:"cc,omitempty"`
	BCC         []string            `json:"bcc,omitempty"`
	Subject     string              `json:"subject"`
	HTML        string              `json:"html,omitempty"`
	Text        string              `json:"text,omitempty"`
	ThreadID    string              `json:"thread_id,omitempty"`
	InReplyTo   string              `json:"in_reply_to,omitempty"`
	References  []string            `json:"references,omitempty"`
	Attachments []attachmentRequest `json:"attachments,omitempty"`
}

func (req sendRequest) toDispatch(userID, accountID string) dispatch.SendRequest {
	out := dispatch.SendRequest{
		UserID:     userID,
		AccountID:  accountID,
		To:         req.To,
		CC:         req.CC,
		BCC:        req.BCC,
		Subject:    req.Subject,
		HTML:       req.HTML,
		Text:       req.Text,
		ThreadID:   req.ThreadID,
		InReplyTo:  req.InReplyTo,
		References: req.References,
	}
	for _, a := range req.Attachments {
		out.Attachments = append(out.Attachments, models.Attachment{
			Filename:  a.Filename,
			MimeType:  a.MimeType,
			SizeBytes: int64(len(a.Content)),
			IsInline:  a.IsInline,
			ContentID: a.ContentID,
			Content:   a.Content,
		})
	}
	return out
}

// SendFromAccount handles POST /api/v1/accounts/{id}/send. It answers 200
// when the provider accepted the message and 202 when it was saved but not
// delivered.
func (h *AccountsHandler) SendFromAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users, h.log)
	if !ok {
		return
	}

	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.sender.Send(ctx, req.toDispatch(userID, r.PathValue("id")))
	if err != nil {
		writeError(w, err, h.now(), h.log)
		return
	}
	writeSendResult(w, result, h.log)
}

func writeSendResult(w http.ResponseWriter, result *dispatch.SendResult, log logrus.FieldLogger) {
	status := http.StatusOK
	if !result.Success {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result, log)
}

// TestAccount handles POST /api/v1/accounts/{id}/test.
func (h *AccountsHandler) TestAccount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users, h.log)
	if !ok {
		return
	}

	accountID := r.PathValue("id")
	account, err := h.accounts.GetAccount(ctx, accountID)
	if err != nil {
		writeError(w, err, h.now(), h.log)
		return
	}
	if account.UserID != userID {
		writeError(w, db.ErrAccountNotFound, h.now(), h.log)
		return
	}

	result, err := h.sender.TestAccountConnection(ctx, accountID)
	if err != nil {
		writeError(w, err, h.now(), h.log)
		return
	}
	writeJSON(w, http.StatusOK, result, h.log)
}

// RetryDelivery handles POST /api/v1/messages/{id}/retry.
func (h *AccountsHandler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := GetUserIDFromContext(ctx, w, h.users, h.log)
	if !ok {
		return
	}

	messageID := r.PathValue("id")
	if messageID == "" {
		writeError(w, mailerr.ErrInvalidRequest, h.now(), h.log)
		return
	}

	result, err := h.sender.RetryDelivery(ctx, userID, messageID)
	if err != nil {
		writeError(w, err, h.now(), h.log)
		return
	}
	writeSendResult(w, result, h.log)
}
