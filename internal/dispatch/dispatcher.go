// Package dispatch sends mail from a user's account: it checks quota and
// content, persists the message, and hands it to the cached transport.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailcore/internal/audit"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/deliverability"
	"github.com/vdavid/mailcore/internal/gateway"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
	"github.com/vdavid/mailcore/internal/ratelimit"
	"github.com/vdavid/mailcore/internal/threading"
	"github.com/vdavid/mailcore/internal/transport"
)

// Transport hands out verified connections. *transport.Cache implements it.
type Transport interface {
	GetOrCreate(ctx context.Context, account *models.Account) (*transport.Handle, error)
	Invalidate(accountID string, h *transport.Handle)
}

// SendRequest is an outgoing message as submitted by a user.
type SendRequest struct {
	UserID string
	// AccountID picks the sending account. Empty means the user's default.
	AccountID   string
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	HTML        string
	Text        string
	ThreadID    string
	InReplyTo   string
	References  []string
	Attachments []models.Attachment
}

// SendResult tells the caller what happened. Saved without Success means the
// message is stored as failed and can be retried with RetryDelivery.
type SendResult struct {
	Success           bool     `json:"success"`
	Saved             bool     `json:"saved"`
	MessageID         string   `json:"message_id,omitempty"`
	ThreadID          string   `json:"thread_id,omitempty"`
	ProviderMessageID string   `json:"provider_message_id,omitempty"`
	Warning           bool     `json:"warning,omitempty"`
	Issues            []string `json:"issues,omitempty"`
	Error             string   `json:"error,omitempty"`
	// Err is the delivery failure behind Error.
	Err error `json:"-"`
}

// TestResult is the outcome of TestAccountConnection.
type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Store     db.Store
	Gateways  transport.GatewayResolver
	Transport Transport
	Limiter   ratelimit.Limiter
	Guard     *deliverability.Guard
	// Recorder persists verification outcomes of TestAccountConnection.
	Recorder transport.StatusRecorder
	Audit    audit.Hook
	Log      logrus.FieldLogger
	// SendTimeout bounds one provider send.
	SendTimeout time.Duration
	// ConnectTimeout bounds TestAccountConnection.
	ConnectTimeout time.Duration
	Now            func() time.Time
}

// Dispatcher runs the send pipeline.
type Dispatcher struct {
	Deps
	retrying sync.Map // message id -> struct{}
}

// NewDispatcher creates a Dispatcher. Audit, Recorder and Now have defaults.
func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Audit == nil {
		deps.Audit = audit.Nop{}
	}
	if deps.Recorder == nil {
		deps.Recorder = NewVerificationRecorder(deps.Store, deps.Audit, deps.Log)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Dispatcher{Deps: deps}
}

// Send delivers req. Errors before persistence (no account, quota, content,
// blocked) leave nothing behind. Once persisted, a transport failure is
// reported in the result, not as an error.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	account, err := d.resolveAccount(ctx, req.UserID, req.AccountID)
	if err != nil {
		return nil, err
	}
	log := d.Log.WithFields(logrus.Fields{"user_id": req.UserID, "account_id": account.ID, "provider": account.Provider})

	hold, err := d.reserveQuota(ctx, req.UserID, account)
	if err != nil {
		log.WithError(err).Info("Send refused by rate limiter")
		return nil, err
	}
	var delivered bool
	defer func() { d.settleQuota(ctx, hold, delivered, log) }()

	if len(req.To)+len(req.CC)+len(req.BCC) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient is required", mailerr.ErrInvalidRequest)
	}
	html, text, err := d.Guard.Prepare(req.HTML, req.Text)
	if err != nil {
		return nil, err
	}

	out := &models.OutboundMessage{
		FromAddress:     account.EmailAddress,
		FromName:        account.DisplayName,
		To:              req.To,
		CC:              req.CC,
		BCC:             req.BCC,
		Subject:         req.Subject,
		HTML:            html,
		Text:            text,
		MessageIDHeader: gateway.NewMessageID(account.EmailAddress),
		InReplyTo:       req.InReplyTo,
		References:      req.References,
		Attachments:     req.Attachments,
	}
	raw, err := gateway.BuildMIME(out, d.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", mailerr.ErrInvalidRequest, err)
	}

	report, err := d.Guard.Check(ctx, deliverability.Content{
		Subject: req.Subject,
		HTML:    html,
		Text:    req.Text,
		From:    account.EmailAddress,
		Raw:     raw,
	})
	if err != nil {
		log.WithError(err).Warn("Send blocked by deliverability check")
		return nil, err
	}

	message, threadCreated, err := d.persistPending(ctx, req, account, out)
	if err != nil {
		return nil, err
	}
	d.auditMessage(ctx, req.UserID, message, threadCreated)

	result := &SendResult{
		Saved:     true,
		MessageID: message.ID,
		ThreadID:  message.ThreadID,
		Warning:   report.Warning,
		Issues:    report.Issues,
	}
	d.deliver(ctx, account, message, out, result, log)
	delivered = result.Success
	return result, nil
}

func (d *Dispatcher) resolveAccount(ctx context.Context, userID, accountID string) (*models.Account, error) {
	var account *models.Account
	var err error
	if accountID != "" {
		account, err = d.Store.GetAccount(ctx, accountID)
	} else {
		account, err = d.Store.GetDefaultAccount(ctx, userID)
	}
	if errors.Is(err, db.ErrAccountNotFound) {
		return nil, mailerr.ErrNoAccountConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account.UserID != userID || !account.IsActive {
		return nil, mailerr.ErrNoAccountConfigured
	}
	return account, nil
}

// reserveQuota takes one send slot. The hold must be passed to settleQuota.
func (d *Dispatcher) reserveQuota(ctx context.Context, userID string, account *models.Account) (*ratelimit.Hold, error) {
	decision, hold, err := d.Limiter.Reserve(ctx, userID, account.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !decision.Allowed {
		return nil, &mailerr.RateLimitError{ResetAt: decision.ResetAt, Remaining: decision.Remaining, Window: decision.Window}
	}
	return hold, nil
}

// settleQuota records the hold as a send when the provider accepted the
// message and gives it back otherwise.
func (d *Dispatcher) settleQuota(ctx context.Context, hold *ratelimit.Hold, delivered bool, log logrus.FieldLogger) {
	ctx = context.WithoutCancel(ctx)
	if delivered {
		if err := d.Limiter.RecordSent(ctx, hold, d.Now()); err != nil {
			log.WithError(err).Error("Failed to record send against quota")
		}
		return
	}
	if err := d.Limiter.Release(ctx, hold); err != nil {
		log.WithError(err).Warn("Failed to release quota hold")
	}
}

// persistPending stores the message as pending in its thread, before any
// provider sees it.
func (d *Dispatcher) persistPending(ctx context.Context, req SendRequest, account *models.Account, out *models.OutboundMessage) (*models.Message, bool, error) {
	now := d.Now()
	message := &models.Message{
		AccountID:       account.ID,
		UserID:          req.UserID,
		MessageIDHeader: out.MessageIDHeader,
		InReplyTo:       out.InReplyTo,
		References:      out.References,
		Direction:       models.DirectionSent,
		DeliveryStatus:  models.DeliveryPending,
		FromAddress:     out.FromAddress,
		ToAddresses:     out.To,
		CCAddresses:     out.CC,
		BCCAddresses:    out.BCC,
		Subject:         out.Subject,
		BodyHTML:        out.HTML,
		BodyText:        out.Text,
		IsRead:          true,
		SentAt:          &now,
		Attachments:     out.Attachments,
	}
	participants := models.MergeParticipants([]string{account.EmailAddress}, out.Recipients())

	var threadCreated bool
	err := d.Store.WithTx(ctx, func(q db.Queries) error {
		thread, created, err := threading.ResolveOutbound(ctx, q, threading.OutboundRequest{
			UserID:       req.UserID,
			Account:      account,
			ThreadID:     req.ThreadID,
			InReplyTo:    req.InReplyTo,
			References:   req.References,
			Subject:      req.Subject,
			Participants: participants,
		})
		if err != nil {
			return err
		}
		threadCreated = created
		message.ThreadID = thread.ID
		out.ExternalThreadID = thread.ExternalThreadID

		if _, err := q.InsertMessage(ctx, message); err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		if err := q.RecordThreadMessage(ctx, thread.ID, now, participants); err != nil {
			return fmt.Errorf("failed to update thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return message, threadCreated, nil
}

// deliver hands out to the account's transport and records the outcome on
// message and result.
func (d *Dispatcher) deliver(ctx context.Context, account *models.Account, message *models.Message, out *models.OutboundMessage, result *SendResult, log logrus.FieldLogger) {
	log = log.WithField("message_id", message.ID)

	providerID, err := d.transmit(ctx, account, out)
	now := d.Now()
	// The provider's answer must be recorded even when the caller has gone.
	persistCtx := context.WithoutCancel(ctx)

	if err != nil {
		log.WithError(err).Warn("Delivery failed, message saved")
		result.Error = err.Error()
		result.Err = err
		update := db.DeliveryUpdate{Status: models.DeliveryFailed, Error: truncate(err.Error(), 1000), CountAttempt: true}
		if perr := d.Store.UpdateMessageDelivery(persistCtx, message.ID, update); perr != nil {
			log.WithError(perr).Error("Failed to mark message as failed")
		}
		d.Audit.Record(persistCtx, audit.Event{Entity: audit.EntityMessage, EntityID: message.ID, Action: audit.ActionUpdated, UserID: message.UserID, At: now})
		return
	}

	result.Success = true
	result.ProviderMessageID = providerID

	err = d.Store.WithTx(persistCtx, func(q db.Queries) error {
		update := db.DeliveryUpdate{Status: models.DeliverySent, ExternalMessageID: providerID, CountAttempt: true, SentAt: &now}
		if err := q.UpdateMessageDelivery(persistCtx, message.ID, update); err != nil {
			return err
		}
		return q.TouchThread(persistCtx, message.ThreadID, now)
	})
	if err != nil {
		log.WithError(err).Error("Message delivered but status could not be saved")
	}
	d.Audit.Record(persistCtx, audit.Event{Entity: audit.EntityMessage, EntityID: message.ID, Action: audit.ActionUpdated, UserID: message.UserID, At: now})
	log.WithField("provider_message_id", providerID).Info("Message delivered")
}

// transmit sends through the cached connection. A connection fault evicts
// the connection and the send is tried once more on a fresh one.
func (d *Dispatcher) transmit(ctx context.Context, account *models.Account, out *models.OutboundMessage) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		h, err := d.Transport.GetOrCreate(ctx, account)
		if err != nil {
			return "", err
		}

		id, err := d.sendOnce(ctx, h, out)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !mailerr.IsConnectionFault(err) {
			return "", err
		}
		d.Log.WithError(err).WithField("account_id", account.ID).Info("Connection fault, reconnecting")
		d.Transport.Invalidate(account.ID, h)
	}
	return "", lastErr
}

func (d *Dispatcher) sendOnce(ctx context.Context, h *transport.Handle, out *models.OutboundMessage) (string, error) {
	if d.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.SendTimeout)
		defer cancel()
	}
	return h.Send(ctx, out)
}

func (d *Dispatcher) auditMessage(ctx context.Context, userID string, message *models.Message, threadCreated bool) {
	at := d.Now()
	if threadCreated {
		d.Audit.Record(ctx, audit.Event{Entity: audit.EntityThread, EntityID: message.ThreadID, Action: audit.ActionCreated, UserID: userID, At: at})
	}
	d.Audit.Record(ctx, audit.Event{Entity: audit.EntityMessage, EntityID: message.ID, Action: audit.ActionCreated, UserID: userID, At: at})
}

// RetryDelivery re-attempts a message whose delivery failed. Delivered
// messages are reported as such without sending again.
func (d *Dispatcher) RetryDelivery(ctx context.Context, userID, messageID string) (*SendResult, error) {
	if _, busy := d.retrying.LoadOrStore(messageID, struct{}{}); busy {
		return nil, fmt.Errorf("%w: delivery of %s is already being retried", mailerr.ErrInvalidRequest, messageID)
	}
	defer d.retrying.Delete(messageID)

	message, err := d.Store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if message.UserID != userID {
		return nil, db.ErrMessageNotFound
	}

	alreadyDelivered, err := threading.AlreadySynced(ctx, d.Store, message.ExternalMessageID)
	if err != nil {
		return nil, err
	}
	if alreadyDelivered || message.DeliveryStatus == models.DeliverySent {
		return &SendResult{Success: true, Saved: true, MessageID: message.ID, ThreadID: message.ThreadID, ProviderMessageID: message.ExternalMessageID}, nil
	}
	if message.DeliveryStatus != models.DeliveryFailed {
		return nil, fmt.Errorf("%w: message is %s, only failed messages can be retried", mailerr.ErrInvalidRequest, message.DeliveryStatus)
	}

	account, err := d.resolveAccount(ctx, userID, message.AccountID)
	if err != nil {
		return nil, err
	}
	log := d.Log.WithFields(logrus.Fields{"user_id": userID, "account_id": account.ID, "provider": account.Provider, "retry": true})
	hold, err := d.reserveQuota(ctx, userID, account)
	if err != nil {
		return nil, err
	}
	var delivered bool
	defer func() { d.settleQuota(ctx, hold, delivered, log) }()

	thread, err := d.Store.GetThread(ctx, message.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	out := &models.OutboundMessage{
		FromAddress:      message.FromAddress,
		FromName:         account.DisplayName,
		To:               message.ToAddresses,
		CC:               message.CCAddresses,
		BCC:              message.BCCAddresses,
		Subject:          message.Subject,
		HTML:             message.BodyHTML,
		Text:             message.BodyText,
		MessageIDHeader:  message.MessageIDHeader,
		InReplyTo:        message.InReplyTo,
		References:       message.References,
		ExternalThreadID: thread.ExternalThreadID,
		Attachments:      message.Attachments,
	}

	if err := d.Store.UpdateMessageDelivery(ctx, message.ID, db.DeliveryUpdate{Status: models.DeliveryPending, Error: message.DeliveryError}); err != nil {
		return nil, fmt.Errorf("failed to mark message pending: %w", err)
	}

	result := &SendResult{Saved: true, MessageID: message.ID, ThreadID: message.ThreadID}
	d.deliver(ctx, account, message, out, result, log)
	delivered = result.Success
	return result, nil
}

// TestAccountConnection connects to the account's provider, verifies the
// credentials and stores the outcome. The connection is closed afterwards
// and never enters the transport cache.
func (d *Dispatcher) TestAccountConnection(ctx context.Context, accountID string) (*TestResult, error) {
	account, err := d.Store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	gw, err := d.Gateways.For(account)
	if err != nil {
		return nil, err
	}

	verifyCtx := ctx
	if d.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		verifyCtx, cancel = context.WithTimeout(ctx, d.ConnectTimeout)
		defer cancel()
	}
	verifyErr := gateway.Verify(verifyCtx, gw, account)
	d.Recorder.RecordVerification(ctx, account, verifyErr)

	log := d.Log.WithFields(logrus.Fields{"account_id": account.ID, "provider": account.Provider})
	if verifyErr != nil {
		log.WithError(verifyErr).Info("Connection test failed")
		return &TestResult{Success: false, Error: verifyErr.Error()}, nil
	}
	log.Info("Connection test passed")
	return &TestResult{Success: true}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "")
}
