package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailcore/internal/imap"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
)

// fetchChunk bounds how many bodies one UID FETCH asks for.
const fetchChunk = 50

// IMAPSMTPGateway fetches over IMAP and sends over SMTP.
type IMAPSMTPGateway struct {
	dec             Decrypter
	insecure        bool
	fullResyncLimit int
	log             logrus.FieldLogger
	now             func() time.Time
}

// NewIMAPSMTPGateway creates the gateway. insecure dials both protocols
// without TLS and is only meant for local servers.
func NewIMAPSMTPGateway(dec Decrypter, fullResyncLimit int, insecure bool, log logrus.FieldLogger) *IMAPSMTPGateway {
	return &IMAPSMTPGateway{
		dec:             dec,
		insecure:        insecure,
		fullResyncLimit: fullResyncLimit,
		log:             log,
		now:             time.Now,
	}
}

func (g *IMAPSMTPGateway) Provider() models.ProviderKind { return models.ProviderSMTP }

// imapCheckpoint is "<uidvalidity>:<lastuid>".
type imapCheckpoint struct {
	validity uint32
	lastUID  uint32
}

func parseIMAPCheckpoint(s string) (imapCheckpoint, bool) {
	validity, last, ok := strings.Cut(s, ":")
	if !ok {
		return imapCheckpoint{}, false
	}
	v, err := strconv.ParseUint(validity, 10, 32)
	if err != nil || v == 0 {
		return imapCheckpoint{}, false
	}
	l, err := strconv.ParseUint(last, 10, 32)
	if err != nil {
		return imapCheckpoint{}, false
	}
	return imapCheckpoint{validity: uint32(v), lastUID: uint32(l)}, true
}

func (c imapCheckpoint) String() string {
	return fmt.Sprintf("%d:%d", c.validity, c.lastUID)
}

// dialIMAP logs in with the account's IMAP credentials. The session is
// terminated when ctx ends.
func (g *IMAPSMTPGateway) dialIMAP(ctx context.Context, account *models.Account) (*imapclient.Client, func(), error) {
	password, err := g.dec.Decrypt(account.EncryptedIMAPPassword)
	if err != nil {
		return nil, nil, mailerr.Rejected(smtpProvider, "login", fmt.Errorf("failed to decrypt IMAP password: %w", err), true)
	}

	c, err := imap.Connect(ctx, account.IMAPHost, !g.insecure, account.IMAPUsername, password)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, mailerr.Unavailable(smtpProvider, "login", err, true)
		}
		if strings.Contains(err.Error(), "failed to authenticate") {
			return nil, nil, mailerr.Rejected(smtpProvider, "login", err, true)
		}
		return nil, nil, mailerr.Unavailable(smtpProvider, "login", err, true)
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Terminate() })
	release := func() {
		stop()
		_ = c.Logout()
	}
	return c, release, nil
}

// FetchMessages pulls INBOX messages with UIDs above the checkpoint. A
// changed UIDVALIDITY or an unreadable checkpoint restarts from the newest
// fullResyncLimit messages.
func (g *IMAPSMTPGateway) FetchMessages(ctx context.Context, account *models.Account, checkpoint string) (*FetchResult, error) {
	c, release, err := g.dialIMAP(ctx, account)
	if err != nil {
		return nil, err
	}
	defer release()

	mbox, err := imap.SelectInbox(c)
	if err != nil {
		return nil, g.fetchError(ctx, err)
	}

	cp, ok := parseIMAPCheckpoint(checkpoint)
	full := !ok || cp.validity != mbox.UidValidity
	if full {
		if checkpoint != "" {
			g.log.WithFields(logrus.Fields{
				"account_id": account.ID,
				"checkpoint": checkpoint,
				"validity":   mbox.UidValidity,
			}).Warn("IMAP checkpoint is stale, running full resync")
		}
		cp = imapCheckpoint{validity: mbox.UidValidity}
	}

	uids, err := imap.SearchUIDsAfter(c, cp.lastUID)
	if err != nil {
		return nil, g.fetchError(ctx, err)
	}
	if full && g.fullResyncLimit > 0 && len(uids) > g.fullResyncLimit {
		uids = uids[len(uids)-g.fullResyncLimit:]
	}

	result := &FetchResult{FullResync: full}
	if len(uids) == 0 {
		result.Checkpoint = cp.String()
		return result, nil
	}

	var roots map[uint32]uint32
	if imap.SupportsThread(c) {
		threads, err := imap.RunThreadCommand(c)
		if err != nil {
			g.log.WithError(err).WithField("account_id", account.ID).Warn("THREAD failed, using reply headers")
		} else {
			roots = imap.ThreadRoots(threads)
		}
	}

	for start := 0; start < len(uids); start += fetchChunk {
		end := min(start+fetchChunk, len(uids))
		raws, err := imap.FetchRawMessages(c, uids[start:end])
		if err != nil {
			return nil, g.fetchError(ctx, err)
		}

		for _, raw := range raws {
			msg, err := g.toExternal(account, mbox.UidValidity, raw, roots)
			if err != nil {
				g.log.WithError(err).WithFields(logrus.Fields{
					"account_id": account.ID,
					"uid":        raw.Uid,
				}).Warn("Skipping unparseable message")
				result.Unparseable++
				continue
			}
			result.Messages = append(result.Messages, msg)
		}
	}

	cp.lastUID = uids[len(uids)-1]
	result.Checkpoint = cp.String()
	return result, nil
}

func (g *IMAPSMTPGateway) toExternal(account *models.Account, validity uint32, raw *goimap.Message, roots map[uint32]uint32) (*models.ExternalMessage, error) {
	body := imap.RawBody(raw)
	if body == nil {
		return nil, errors.New("no body returned")
	}

	msg, err := ParseRFC822(body)
	if err != nil {
		return nil, err
	}

	msg.ExternalMessageID = fmt.Sprintf("imap:%s:%d:%d", account.ID, validity, raw.Uid)
	msg.IsRead, msg.IsStarred = imap.ParseFlags(raw.Flags)
	msg.Direction = direction(account, msg.From)

	if root, ok := roots[raw.Uid]; ok {
		msg.ExternalThreadID = fmt.Sprintf("imap:%s:%d:thread:%d", account.ID, validity, root)
	} else {
		msg.ExternalThreadID = headerThreadID(msg)
	}

	if msg.SentAt.IsZero() {
		msg.SentAt = raw.InternalDate
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = g.now().UTC()
	}
	return msg, nil
}

func (g *IMAPSMTPGateway) fetchError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return mailerr.Unavailable(smtpProvider, "fetch", ctx.Err(), true)
	}
	return mailerr.Unavailable(smtpProvider, "fetch", err, true)
}

// Connect opens an authenticated SMTP session.
func (g *IMAPSMTPGateway) Connect(ctx context.Context, account *models.Account) (Connection, error) {
	password, err := g.dec.Decrypt(account.EncryptedSMTPPassword)
	if err != nil {
		return nil, mailerr.Rejected(smtpProvider, "connect", fmt.Errorf("failed to decrypt SMTP password: %w", err), true)
	}

	username := account.SMTPUsername
	if username == "" {
		username = account.EmailAddress
	}

	c, err := dialSMTP(ctx, account.SMTPHost, g.insecure, username, password)
	if err != nil {
		return nil, err
	}

	return &smtpConnection{client: c, from: account.EmailAddress, now: g.now}, nil
}

// direction is sent when the account itself is the sender.
func direction(account *models.Account, from string) models.Direction {
	if models.AddressOf(from) == models.AddressOf(account.EmailAddress) {
		return models.DirectionSent
	}
	return models.DirectionReceived
}
