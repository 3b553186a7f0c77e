package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/time/rate"
)

const (
	outlookProvider = string(models.ProviderOutlook)
	graphPageSize   = 50
	graphSelect     = "id,conversationId,internetMessageId,subject,from,toRecipients,ccRecipients," +
		"bccRecipients,body,receivedDateTime,sentDateTime,isRead,flag,isDraft"
	// Delta pages carry ids only; bodies are fetched for the messages kept.
	graphDeltaSelect = "id,receivedDateTime,isDraft"
)

// OutlookGateway syncs and sends through Microsoft Graph.
type OutlookGateway struct {
	oauth           *oauth2.Config
	dec             Decrypter
	baseURL         string
	cb              *gobreaker.CircuitBreaker
	limiter         *rate.Limiter
	fullResyncLimit int
	log             logrus.FieldLogger
}

// NewOutlookGateway creates the gateway. baseURL is the Graph root, e.g.
// https://graph.microsoft.com/v1.0. requestsPerSecond paces all Graph calls
// made by this process.
func NewOutlookGateway(client config.OAuthClient, dec Decrypter, baseURL string, requestsPerSecond float64, fullResyncLimit int, log logrus.FieldLogger) *OutlookGateway {
	tenant := client.Tenant
	if tenant == "" {
		tenant = "common"
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 10
	}

	return &OutlookGateway{
		oauth: &oauth2.Config{
			ClientID:     client.ClientID,
			ClientSecret: client.ClientSecret,
			Scopes:       []string{"offline_access", "Mail.ReadWrite", "Mail.Send", "User.Read"},
			Endpoint:     microsoft.AzureADEndpoint(tenant),
		},
		dec:             dec,
		baseURL:         strings.TrimRight(baseURL, "/"),
		cb:              newBreaker("graph-api", log),
		limiter:         rate.NewLimiter(rate.Limit(requestsPerSecond), int(requestsPerSecond)+1),
		fullResyncLimit: fullResyncLimit,
		log:             log,
	}
}

func (g *OutlookGateway) Provider() models.ProviderKind { return models.ProviderOutlook }

// graphError is a non-2xx Graph response.
type graphError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *graphError) Error() string {
	return fmt.Sprintf("graph returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

type graphClient struct {
	gw   *OutlookGateway
	http *http.Client
}

func (g *OutlookGateway) client(account *models.Account) (*graphClient, error) {
	tok, err := oauthToken(g.dec, account)
	if err != nil {
		return nil, mailerr.Rejected(outlookProvider, "connect", err, true)
	}
	return &graphClient{gw: g, http: g.oauth.Client(context.Background(), tok)}, nil
}

// do sends one request. body is JSON-encoded when non-nil; out is decoded
// from a 2xx response when non-nil.
func (c *graphClient) do(ctx context.Context, method, target string, body, out any, headers map[string]string) error {
	if err := c.gw.limiter.Wait(ctx); err != nil {
		return err
	}

	return execute(c.gw.cb, isGraphClientError, func() error {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("failed to encode request: %w", err)
			}
			reader = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 400 {
			var envelope struct {
				Error struct {
					Code    string `json:"code"`
					Message string `json:"message"`
				} `json:"error"`
			}
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			_ = json.Unmarshal(data, &envelope)
			return &graphError{StatusCode: resp.StatusCode, Code: envelope.Error.Code, Message: envelope.Error.Message}
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

type graphEmailAddress struct {
	EmailAddress struct {
		Name    string `json:"name,omitempty"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (a graphEmailAddress) String() string {
	if a.EmailAddress.Name != "" {
		return fmt.Sprintf("%s <%s>", a.EmailAddress.Name, a.EmailAddress.Address)
	}
	return a.EmailAddress.Address
}

type graphMessage struct {
	ID                string              `json:"id"`
	ConversationID    string              `json:"conversationId"`
	InternetMessageID string              `json:"internetMessageId"`
	Subject           string              `json:"subject"`
	From              *graphEmailAddress  `json:"from"`
	ToRecipients      []graphEmailAddress `json:"toRecipients"`
	CCRecipients      []graphEmailAddress `json:"ccRecipients"`
	BCCRecipients     []graphEmailAddress `json:"bccRecipients"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	ReceivedDateTime string `json:"receivedDateTime"`
	SentDateTime     string `json:"sentDateTime"`
	IsRead           bool   `json:"isRead"`
	IsDraft          bool   `json:"isDraft"`
	Flag             struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag"`
}

type graphDeltaItem struct {
	ID               string `json:"id"`
	ReceivedDateTime string `json:"receivedDateTime"`
	IsDraft          bool   `json:"isDraft"`
	Removed          *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type graphDeltaPage struct {
	Value     []graphDeltaItem `json:"value"`
	NextLink  string           `json:"@odata.nextLink"`
	DeltaLink string           `json:"@odata.deltaLink"`
}

func (g *OutlookGateway) initialDeltaURL() string {
	return g.baseURL + "/me/mailFolders/inbox/messages/delta?$select=" + url.QueryEscape(graphDeltaSelect)
}

// FetchMessages follows the inbox delta link stored as the checkpoint. An
// expired (410) or foreign link restarts the delta query and keeps the newest
// fullResyncLimit messages; only that many are held while paging.
func (g *OutlookGateway) FetchMessages(ctx context.Context, account *models.Account, checkpoint string) (*FetchResult, error) {
	c, err := g.client(account)
	if err != nil {
		return nil, err
	}

	result := &FetchResult{}
	start := checkpoint
	if !strings.HasPrefix(checkpoint, g.baseURL+"/") {
		start = g.initialDeltaURL()
		result.FullResync = true
	}

	keep := 0
	if result.FullResync {
		keep = g.fullResyncLimit
	}
	items, deltaLink, err := c.delta(ctx, start, keep)
	var gerr *graphError
	if err != nil && !result.FullResync && errors.As(err, &gerr) && gerr.StatusCode == http.StatusGone {
		g.log.WithField("account_id", account.ID).Warn("Graph delta token expired, running full resync")
		result.FullResync = true
		items, deltaLink, err = c.delta(ctx, g.initialDeltaURL(), g.fullResyncLimit)
	}
	if err != nil {
		return nil, classifyGraphError("fetch", err)
	}

	for _, item := range items {
		m, err := c.message(ctx, item.ID)
		if errors.As(err, &gerr) && gerr.StatusCode == http.StatusNotFound {
			// Deleted after the delta page was served.
			continue
		}
		if err != nil {
			return nil, classifyGraphError("fetch", err)
		}
		if m.IsDraft {
			continue
		}
		result.Messages = append(result.Messages, g.toExternal(account, m))
	}

	sort.SliceStable(result.Messages, func(i, j int) bool {
		return result.Messages[i].SentAt.Before(result.Messages[j].SentAt)
	})

	result.Checkpoint = deltaLink
	return result, nil
}

// delta pages through a delta query and returns the live, non-draft items,
// oldest first. keep > 0 retains only the newest keep items, trimming as
// pages arrive.
func (c *graphClient) delta(ctx context.Context, start string, keep int) ([]graphDeltaItem, string, error) {
	live := make(map[string]graphDeltaItem)
	next := start
	prefer := map[string]string{"Prefer": fmt.Sprintf("odata.maxpagesize=%d", graphPageSize)}

	for {
		var page graphDeltaPage
		if err := c.do(ctx, http.MethodGet, next, nil, &page, prefer); err != nil {
			return nil, "", err
		}
		for _, item := range page.Value {
			if item.Removed != nil || item.IsDraft {
				delete(live, item.ID)
				continue
			}
			live[item.ID] = item
		}
		if keep > 0 && len(live) > 2*keep {
			live = newestItems(live, keep)
		}

		switch {
		case page.NextLink != "":
			next = page.NextLink
		case page.DeltaLink != "":
			if keep > 0 {
				live = newestItems(live, keep)
			}
			return sortedItems(live), page.DeltaLink, nil
		default:
			return nil, "", errors.New("delta page has neither next nor delta link")
		}
	}
}

func newestItems(items map[string]graphDeltaItem, keep int) map[string]graphDeltaItem {
	sorted := sortedItems(items)
	if len(sorted) > keep {
		sorted = sorted[len(sorted)-keep:]
	}
	out := make(map[string]graphDeltaItem, len(sorted))
	for _, item := range sorted {
		out[item.ID] = item
	}
	return out
}

// sortedItems orders by receipt time, then id. RFC 3339 UTC timestamps from
// Graph compare correctly as strings.
func sortedItems(items map[string]graphDeltaItem) []graphDeltaItem {
	out := make([]graphDeltaItem, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReceivedDateTime != out[j].ReceivedDateTime {
			return out[i].ReceivedDateTime < out[j].ReceivedDateTime
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *graphClient) message(ctx context.Context, id string) (*graphMessage, error) {
	target := c.gw.baseURL + "/me/messages/" + url.PathEscape(id) + "?$select=" + url.QueryEscape(graphSelect)
	var m graphMessage
	if err := c.do(ctx, http.MethodGet, target, nil, &m, nil); err != nil {
		return nil, err
	}
	return &m, nil
}

func (g *OutlookGateway) toExternal(account *models.Account, m *graphMessage) *models.ExternalMessage {
	msg := &models.ExternalMessage{
		ExternalMessageID: outlookExternalID(account, m.ID),
		ExternalThreadID:  m.ConversationID,
		MessageIDHeader:   m.InternetMessageID,
		Subject:           m.Subject,
		To:                graphAddresses(m.ToRecipients),
		CC:                graphAddresses(m.CCRecipients),
		BCC:               graphAddresses(m.BCCRecipients),
		IsRead:            m.IsRead,
		IsStarred:         m.Flag.FlagStatus == "flagged",
	}
	if m.From != nil {
		msg.From = m.From.String()
	}
	if strings.EqualFold(m.Body.ContentType, "html") {
		msg.HTML = m.Body.Content
	} else {
		msg.Text = m.Body.Content
	}

	for _, ts := range []string{m.SentDateTime, m.ReceivedDateTime} {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			msg.SentAt = t.UTC()
			break
		}
	}
	msg.Direction = direction(account, msg.From)
	return msg
}

func graphAddresses(list []graphEmailAddress) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.EmailAddress.Address != "" {
			out = append(out, a.String())
		}
	}
	return out
}

func outlookExternalID(account *models.Account, id string) string {
	return "outlook:" + account.ID + ":" + id
}

// Connect builds an authenticated Graph client for the account.
func (g *OutlookGateway) Connect(_ context.Context, account *models.Account) (Connection, error) {
	c, err := g.client(account)
	if err != nil {
		return nil, err
	}
	return &outlookConnection{client: c, account: account}, nil
}

type outlookConnection struct {
	client  *graphClient
	account *models.Account
}

func (c *outlookConnection) Verify(ctx context.Context) error {
	if err := c.client.do(ctx, http.MethodGet, c.client.gw.baseURL+"/me", nil, nil, nil); err != nil {
		return classifyGraphError("verify", err)
	}
	return nil
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType,omitempty"`
	ContentBytes string `json:"contentBytes"`
	IsInline     bool   `json:"isInline"`
	ContentID    string `json:"contentId,omitempty"`
}

type graphDraft struct {
	Subject       string              `json:"subject"`
	Body          graphBody           `json:"body"`
	ToRecipients  []graphEmailAddress `json:"toRecipients"`
	CCRecipients  []graphEmailAddress `json:"ccRecipients,omitempty"`
	BCCRecipients []graphEmailAddress `json:"bccRecipients,omitempty"`
	Attachments   []graphAttachment   `json:"attachments,omitempty"`
}

func toGraphAddresses(list []string) []graphEmailAddress {
	out := make([]graphEmailAddress, 0, len(list))
	for _, s := range list {
		var a graphEmailAddress
		a.EmailAddress.Address = models.AddressOf(s)
		out = append(out, a)
	}
	return out
}

// SendMessage creates a draft and sends it. Graph offers no way to set
// reply headers on a new message, so threading on the provider side relies on
// the subject.
func (c *outlookConnection) SendMessage(ctx context.Context, msg *models.OutboundMessage) (string, error) {
	if len(msg.Recipients()) == 0 {
		return "", mailerr.Rejected(outlookProvider, "send", errors.New("no recipients"), false)
	}

	draft := graphDraft{
		Subject:       msg.Subject,
		Body:          graphBody{ContentType: "Text", Content: msg.Text},
		ToRecipients:  toGraphAddresses(msg.To),
		CCRecipients:  toGraphAddresses(msg.CC),
		BCCRecipients: toGraphAddresses(msg.BCC),
	}
	if msg.HTML != "" {
		draft.Body = graphBody{ContentType: "HTML", Content: msg.HTML}
	}
	for _, att := range msg.Attachments {
		draft.Attachments = append(draft.Attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Filename,
			ContentType:  att.MimeType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
			IsInline:     att.IsInline,
			ContentID:    att.ContentID,
		})
	}

	base := c.client.gw.baseURL
	var created struct {
		ID string `json:"id"`
	}
	if err := c.client.do(ctx, http.MethodPost, base+"/me/messages", draft, &created, nil); err != nil {
		return "", classifyGraphError("send", err)
	}
	if created.ID == "" {
		return "", mailerr.Unavailable(outlookProvider, "send", errors.New("draft created without id"), false)
	}

	sendURL := base + "/me/messages/" + url.PathEscape(created.ID) + "/send"
	if err := c.client.do(ctx, http.MethodPost, sendURL, nil, nil, nil); err != nil {
		return "", classifyGraphError("send", err)
	}
	return outlookExternalID(c.account, created.ID), nil
}

func (c *outlookConnection) Close() error {
	c.client.http.CloseIdleConnections()
	return nil
}

func isGraphClientError(err error) bool {
	var gerr *graphError
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.StatusCode >= 400 && gerr.StatusCode < 500 && gerr.StatusCode != http.StatusTooManyRequests
}

// classifyGraphError maps Graph failures onto the error taxonomy.
func classifyGraphError(op string, err error) error {
	if isBreakerOpen(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return mailerr.Unavailable(outlookProvider, op, err, false)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return mailerr.Rejected(outlookProvider, op, fmt.Errorf("failed to refresh token: %w", err), true)
	}

	var gerr *graphError
	if errors.As(err, &gerr) {
		switch {
		case gerr.StatusCode == http.StatusUnauthorized:
			return mailerr.Rejected(outlookProvider, op, err, true)
		case gerr.StatusCode == http.StatusTooManyRequests, gerr.StatusCode >= 500:
			return mailerr.Unavailable(outlookProvider, op, err, false)
		default:
			return mailerr.Rejected(outlookProvider, op, err, false)
		}
	}

	return mailerr.Unavailable(outlookProvider, op, err, true)
}
