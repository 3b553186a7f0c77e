package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	gmailProvider = string(models.ProviderGmail)
	gmailUser     = "me"
	// gmailPageSize is the largest page Users.Messages.List accepts.
	gmailPageSize = 500
)

// GmailGateway syncs and sends through the Gmail REST API.
type GmailGateway struct {
	oauth           *oauth2.Config
	dec             Decrypter
	cb              *gobreaker.CircuitBreaker
	fullResyncLimit int
	log             logrus.FieldLogger
	now             func() time.Time
	clientOptions   []option.ClientOption
}

// GmailOption customizes a GmailGateway.
type GmailOption func(*GmailGateway)

// WithGmailClientOptions appends API client options, such as a custom endpoint.
func WithGmailClientOptions(opts ...option.ClientOption) GmailOption {
	return func(g *GmailGateway) {
		g.clientOptions = append(g.clientOptions, opts...)
	}
}

// NewGmailGateway creates the gateway with the application's OAuth client.
func NewGmailGateway(client config.OAuthClient, dec Decrypter, fullResyncLimit int, log logrus.FieldLogger, opts ...GmailOption) *GmailGateway {
	g := &GmailGateway{
		oauth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			Scopes: []string{
				gmail.GmailReadonlyScope,
				gmail.GmailSendScope,
			},
			Endpoint: google.Endpoint,
		},
		dec:             dec,
		cb:              newBreaker("gmail-api", log),
		fullResyncLimit: fullResyncLimit,
		log:             log,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GmailGateway) Provider() models.ProviderKind { return models.ProviderGmail }

func (g *GmailGateway) service(ctx context.Context, account *models.Account) (*gmail.Service, error) {
	tok, err := oauthToken(g.dec, account)
	if err != nil {
		return nil, mailerr.Rejected(gmailProvider, "connect", err, true)
	}

	// Token refreshes outlive any single request, so they get their own context.
	httpClient := g.oauth.Client(context.Background(), tok)
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, g.clientOptions...)

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, mailerr.Unavailable(gmailProvider, "connect", fmt.Errorf("failed to create Gmail service: %w", err), true)
	}
	return svc, nil
}

func (g *GmailGateway) call(fn func() error) error {
	return execute(g.cb, isGoogleClientError, fn)
}

// FetchMessages follows the history log from the stored history id. An
// expired history id (404) falls back to the newest fullResyncLimit messages.
func (g *GmailGateway) FetchMessages(ctx context.Context, account *models.Account, checkpoint string) (*FetchResult, error) {
	svc, err := g.service(ctx, account)
	if err != nil {
		return nil, err
	}

	log := g.log.WithField("account_id", account.ID)
	result := &FetchResult{}

	var ids []string
	var historyID uint64

	start, parseErr := strconv.ParseUint(checkpoint, 10, 64)
	if checkpoint != "" && parseErr == nil {
		ids, historyID, err = g.historyMessageIDs(ctx, svc, start)
		if err != nil {
			if !isGoogleNotFound(err) {
				return nil, classifyGoogleError("fetch", err)
			}
			log.WithField("history_id", start).Warn("Gmail history expired, running full resync")
			result.FullResync = true
		}
	} else {
		result.FullResync = true
	}

	if result.FullResync {
		ids, historyID, err = g.recentMessageIDs(ctx, svc)
		if err != nil {
			return nil, classifyGoogleError("fetch", err)
		}
	}

	for _, id := range ids {
		msg, err := g.getMessage(ctx, svc, account, id)
		if err != nil {
			if isGoogleNotFound(err) {
				// Deleted between listing and fetching.
				continue
			}
			if errors.Is(err, errUnparseable) {
				result.Unparseable++
				continue
			}
			return nil, classifyGoogleError("fetch", err)
		}
		if msg != nil {
			result.Messages = append(result.Messages, msg)
		}
	}

	result.Checkpoint = strconv.FormatUint(historyID, 10)
	return result, nil
}

// historyMessageIDs lists messages added since start, oldest first, and the
// history id to resume from next time.
func (g *GmailGateway) historyMessageIDs(ctx context.Context, svc *gmail.Service, start uint64) ([]string, uint64, error) {
	var ids []string
	seen := make(map[string]bool)
	latest := start
	pageToken := ""

	for {
		call := svc.Users.History.List(gmailUser).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmail.ListHistoryResponse
		err := g.call(func() error {
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, 0, err
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				ids = append(ids, added.Message.Id)
			}
		}
		if resp.HistoryId > latest {
			latest = resp.HistoryId
		}

		if resp.NextPageToken == "" {
			return ids, latest, nil
		}
		pageToken = resp.NextPageToken
	}
}

// recentMessageIDs returns the newest fullResyncLimit message ids, oldest
// first. The history id is read before listing so nothing arriving during the
// listing is missed next time.
func (g *GmailGateway) recentMessageIDs(ctx context.Context, svc *gmail.Service) ([]string, uint64, error) {
	var profile *gmail.Profile
	err := g.call(func() error {
		var err error
		profile, err = svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	limit := g.fullResyncLimit
	var ids []string
	pageToken := ""

	for limit <= 0 || len(ids) < limit {
		pageSize := int64(gmailPageSize)
		if limit > 0 {
			pageSize = int64(min(limit-len(ids), gmailPageSize))
		}

		call := svc.Users.Messages.List(gmailUser).MaxResults(pageSize).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var resp *gmail.ListMessagesResponse
		err := g.call(func() error {
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, 0, err
		}

		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	slices.Reverse(ids)
	return ids, profile.HistoryId, nil
}

// errUnparseable marks a fetched message whose body could not be read.
var errUnparseable = errors.New("unparseable message")

// getMessage returns nil, nil for drafts.
func (g *GmailGateway) getMessage(ctx context.Context, svc *gmail.Service, account *models.Account, id string) (*models.ExternalMessage, error) {
	var m *gmail.Message
	err := g.call(func() error {
		var err error
		m, err = svc.Users.Messages.Get(gmailUser, id).Format("raw").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	if slices.Contains(m.LabelIds, "DRAFT") {
		return nil, nil
	}

	raw, err := decodeBase64URL(m.Raw)
	if err != nil {
		g.log.WithError(err).WithField("gmail_id", id).Warn("Skipping message with undecodable body")
		return nil, errUnparseable
	}

	msg, err := ParseRFC822(bytes.NewReader(raw))
	if err != nil {
		g.log.WithError(err).WithField("gmail_id", id).Warn("Skipping unparseable message")
		return nil, errUnparseable
	}

	msg.ExternalMessageID = gmailExternalID(account, m.Id)
	msg.ExternalThreadID = m.ThreadId
	msg.IsRead = !slices.Contains(m.LabelIds, "UNREAD")
	msg.IsStarred = slices.Contains(m.LabelIds, "STARRED")
	if slices.Contains(m.LabelIds, "SENT") {
		msg.Direction = models.DirectionSent
	} else {
		msg.Direction = direction(account, msg.From)
	}
	if msg.SentAt.IsZero() && m.InternalDate > 0 {
		msg.SentAt = time.UnixMilli(m.InternalDate).UTC()
	}
	return msg, nil
}

func gmailExternalID(account *models.Account, id string) string {
	return "gmail:" + account.ID + ":" + id
}

// Connect builds an authenticated API client for the account.
func (g *GmailGateway) Connect(ctx context.Context, account *models.Account) (Connection, error) {
	svc, err := g.service(ctx, account)
	if err != nil {
		return nil, err
	}
	return &gmailConnection{gw: g, svc: svc, account: account}, nil
}

type gmailConnection struct {
	gw      *GmailGateway
	svc     *gmail.Service
	account *models.Account
}

func (c *gmailConnection) Verify(ctx context.Context) error {
	err := c.gw.call(func() error {
		_, err := c.svc.Users.GetProfile(gmailUser).Context(ctx).Do()
		return err
	})
	if err != nil {
		return classifyGoogleError("verify", err)
	}
	return nil
}

func (c *gmailConnection) SendMessage(ctx context.Context, msg *models.OutboundMessage) (string, error) {
	if len(msg.Recipients()) == 0 {
		return "", mailerr.Rejected(gmailProvider, "send", errors.New("no recipients"), false)
	}

	// Gmail reads recipients from the headers and drops Bcc on delivery.
	raw, err := BuildMIME(msg, c.gw.now(), WithBccHeader())
	if err != nil {
		return "", mailerr.Rejected(gmailProvider, "send", err, false)
	}

	var sent *gmail.Message
	err = c.gw.call(func() error {
		var err error
		sent, err = c.svc.Users.Messages.Send(gmailUser, &gmail.Message{
			Raw:      base64.URLEncoding.EncodeToString(raw),
			ThreadId: msg.ExternalThreadID,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", classifyGoogleError("send", err)
	}
	return gmailExternalID(c.account, sent.Id), nil
}

func (c *gmailConnection) Close() error { return nil }

func decodeBase64URL(s string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func isGoogleNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func isGoogleRateLimit(apiErr *googleapi.Error) bool {
	if apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	for _, item := range apiErr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return strings.Contains(apiErr.Message, "Rate Limit")
}

func isGoogleClientError(err error) bool {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code >= 400 && apiErr.Code < 500 && !isGoogleRateLimit(apiErr)
}

// classifyGoogleError maps Gmail API failures onto the error taxonomy.
func classifyGoogleError(op string, err error) error {
	if isBreakerOpen(err) {
		return mailerr.Unavailable(gmailProvider, op, err, false)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return mailerr.Unavailable(gmailProvider, op, err, false)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return mailerr.Rejected(gmailProvider, op, fmt.Errorf("failed to refresh token: %w", err), true)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return mailerr.Rejected(gmailProvider, op, err, true)
		case isGoogleRateLimit(apiErr), apiErr.Code >= 500:
			return mailerr.Unavailable(gmailProvider, op, err, false)
		case apiErr.Code >= 400:
			return mailerr.Rejected(gmailProvider, op, err, false)
		}
	}

	return mailerr.Unavailable(gmailProvider, op, err, true)
}
