package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailcore/internal/audit"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/models"
)

// VerificationRecorder persists the outcome of connection verifications on
// the account. It plugs into the transport cache as its StatusRecorder.
type VerificationRecorder struct {
	store db.Queries
	audit audit.Hook
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewVerificationRecorder(store db.Queries, hook audit.Hook, log logrus.FieldLogger) *VerificationRecorder {
	if hook == nil {
		hook = audit.Nop{}
	}
	return &VerificationRecorder{store: store, audit: hook, log: log, now: time.Now}
}

// RecordVerification implements transport.StatusRecorder.
func (r *VerificationRecorder) RecordVerification(ctx context.Context, account *models.Account, verifyErr error) {
	status, lastError := models.VerificationVerified, ""
	if verifyErr != nil {
		status, lastError = models.VerificationFailed, verifyErr.Error()
	}

	at := r.now()
	// The caller may be gone by now; the status still belongs on the account.
	ctx = context.WithoutCancel(ctx)
	if err := r.store.SetVerificationStatus(ctx, account.ID, status, lastError, at); err != nil {
		r.log.WithError(err).WithField("account_id", account.ID).Error("Failed to save verification status")
		return
	}
	r.audit.Record(ctx, audit.Event{Entity: audit.EntityAccount, EntityID: account.ID, Action: audit.ActionUpdated, UserID: account.UserID, At: at})
}
