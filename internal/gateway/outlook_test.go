package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
	"github.com/vdavid/mailcore/internal/testutil"
	"golang.org/x/oauth2"
)

type fakeGraph struct {
	srv *httptest.Server

	mu       sync.Mutex
	drafts   []map[string]any
	sent     []string
	expired  bool
	meCode   int
	messages map[string]map[string]any
	fetched  []string
	selects  []string
	// bulk switches the initial delta query to bulk messages served two per page.
	bulk int
}

func (f *fakeGraph) addMessage(m map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[m["id"].(string)] = m
}

func (f *fakeGraph) deltaItems(ids ...string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		m := f.messages[id]
		out = append(out, map[string]any{"id": id, "receivedDateTime": m["receivedDateTime"]})
	}
	return out
}

func graphMessageJSON(id, conversation, from, sent string) map[string]any {
	return map[string]any{
		"id":                id,
		"conversationId":    conversation,
		"internetMessageId": "<" + id + "@outlook.com>",
		"subject":           "Subject " + id,
		"from":              map[string]any{"emailAddress": map[string]string{"name": "Sender", "address": from}},
		"toRecipients":      []any{map[string]any{"emailAddress": map[string]string{"address": "me@outlook.com"}}},
		"body":              map[string]string{"contentType": "html", "content": "<p>Hello from " + id + "</p>"},
		"sentDateTime":      sent,
		"receivedDateTime":  sent,
		"isRead":            false,
		"flag":              map[string]string{"flagStatus": "flagged"},
	}
}

func newFakeGraph(t *testing.T) *fakeGraph {
	f := &fakeGraph{meCode: http.StatusOK, messages: make(map[string]map[string]any)}
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if v != nil {
			_ = json.NewEncoder(w).Encode(v)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		code := f.meCode
		f.mu.Unlock()
		if code != http.StatusOK {
			writeJSON(w, code, map[string]any{"error": map[string]string{"code": "InvalidAuthenticationToken", "message": "expired"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"mail": "me@outlook.com"})
	})
	mux.HandleFunc("GET /me/messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		m, ok := f.messages[r.PathValue("id")]
		f.fetched = append(f.fetched, r.PathValue("id"))
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "ErrorItemNotFound", "message": "not found"}})
			return
		}
		writeJSON(w, http.StatusOK, m)
	})
	mux.HandleFunc("GET /me/mailFolders/inbox/messages/delta", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer graph-token", r.Header.Get("Authorization"))
		base := f.srv.URL + "/me/mailFolders/inbox/messages/delta"

		f.mu.Lock()
		bulk := f.bulk
		if sel := r.URL.Query().Get("$select"); sel != "" {
			f.selects = append(f.selects, sel)
		}
		f.mu.Unlock()

		if bulk > 0 && r.URL.Query().Get("$deltatoken") == "" {
			page, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Query().Get("$skiptoken"), "bulk-"))
			ids := []string{fmt.Sprintf("b%02d", 2*page), fmt.Sprintf("b%02d", 2*page+1)}
			resp := map[string]any{"value": f.deltaItems(ids...)}
			if 2*page+2 < bulk {
				resp["@odata.nextLink"] = fmt.Sprintf("%s?$skiptoken=bulk-%d", base, page+1)
			} else {
				resp["@odata.deltaLink"] = base + "?$deltatoken=bulk"
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		switch {
		case r.URL.Query().Get("$deltatoken") == "old":
			f.mu.Lock()
			expired := f.expired
			f.mu.Unlock()
			if expired {
				writeJSON(w, http.StatusGone, map[string]any{"error": map[string]string{"code": "SyncStateNotFound", "message": "gone"}})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"value":            f.deltaItems("m3"),
				"@odata.deltaLink": base + "?$deltatoken=newer",
			})
		case r.URL.Query().Get("$skiptoken") == "page2":
			writeJSON(w, http.StatusOK, map[string]any{
				"value": append(f.deltaItems("m1", "vanished"),
					map[string]any{"id": "m0", "@removed": map[string]string{"reason": "deleted"}}),
				"@odata.deltaLink": base + "?$deltatoken=old",
			})
		default:
			writeJSON(w, http.StatusOK, map[string]any{
				"value":           f.deltaItems("m0", "m2"),
				"@odata.nextLink": base + "?$skiptoken=page2",
			})
		}
	})
	mux.HandleFunc("POST /me/messages", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var draft map[string]any
		require.NoError(t, json.Unmarshal(body, &draft))
		f.mu.Lock()
		f.drafts = append(f.drafts, draft)
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, map[string]string{"id": "draft-1"})
	})
	mux.HandleFunc("POST /me/messages/{id}/send", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.sent = append(f.sent, r.PathValue("id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	f.addMessage(graphMessageJSON("m0", "c0", "dave@example.com", "2025-05-31T09:00:00Z"))
	f.addMessage(graphMessageJSON("m1", "c1", "alice@example.com", "2025-06-01T09:00:00Z"))
	f.addMessage(graphMessageJSON("m2", "c1", "me@outlook.com", "2025-06-02T09:00:00Z"))
	f.addMessage(graphMessageJSON("m3", "c2", "carol@example.com", "2025-06-03T09:00:00Z"))
	return f
}

func newOutlookTest(t *testing.T) (*OutlookGateway, *models.Account, *fakeGraph) {
	return newOutlookTestWithLimit(t, 0)
}

func newOutlookTestWithLimit(t *testing.T, fullResyncLimit int) (*OutlookGateway, *models.Account, *fakeGraph) {
	t.Helper()
	fake := newFakeGraph(t)

	enc := testutil.GetTestEncryptor(t)
	tok, err := enc.EncryptJSON(&oauth2.Token{AccessToken: "graph-token", TokenType: "Bearer"})
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	gw := NewOutlookGateway(config.OAuthClient{ClientID: "id", ClientSecret: "secret"}, enc, fake.srv.URL, 100, fullResyncLimit, log)

	acct := &models.Account{
		ID:                  "acct-o",
		Provider:            models.ProviderOutlook,
		EmailAddress:        "me@outlook.com",
		EncryptedOAuthToken: tok,
		IsActive:            true,
	}
	return gw, acct, fake
}

func TestOutlookFullSyncFollowsPages(t *testing.T) {
	gw, acct, fake := newOutlookTest(t)

	res, err := gw.FetchMessages(context.Background(), acct, "")
	require.NoError(t, err)

	assert.True(t, res.FullResync)
	assert.Equal(t, fake.srv.URL+"/me/mailFolders/inbox/messages/delta?$deltatoken=old", res.Checkpoint)
	require.Len(t, res.Messages, 2, "removed and vanished items are dropped")
	assert.Equal(t, []string{graphDeltaSelect}, fake.selects, "delta pages carry ids only")
	assert.ElementsMatch(t, []string{"m1", "m2", "vanished"}, fake.fetched, "removed items are never fetched")

	first := res.Messages[0]
	assert.Equal(t, "outlook:acct-o:m1", first.ExternalMessageID, "sorted oldest first")
	assert.Equal(t, "c1", first.ExternalThreadID)
	assert.Equal(t, "Sender <alice@example.com>", first.From)
	assert.Equal(t, "<m1@outlook.com>", first.MessageIDHeader)
	assert.Contains(t, first.HTML, "Hello from m1")
	assert.True(t, first.IsStarred)
	assert.Equal(t, models.DirectionReceived, first.Direction)
	assert.Equal(t, models.DirectionSent, res.Messages[1].Direction)
}

func TestOutlookIncrementalAndExpiredDelta(t *testing.T) {
	gw, acct, fake := newOutlookTest(t)
	checkpoint := fake.srv.URL + "/me/mailFolders/inbox/messages/delta?$deltatoken=old"

	res, err := gw.FetchMessages(context.Background(), acct, checkpoint)
	require.NoError(t, err)
	assert.False(t, res.FullResync)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "outlook:acct-o:m3", res.Messages[0].ExternalMessageID)
	assert.True(t, strings.HasSuffix(res.Checkpoint, "$deltatoken=newer"))

	fake.mu.Lock()
	fake.expired = true
	fake.mu.Unlock()

	res, err = gw.FetchMessages(context.Background(), acct, checkpoint)
	require.NoError(t, err)
	assert.True(t, res.FullResync, "410 restarts the delta query")
	assert.Len(t, res.Messages, 2)
}

func TestOutlookFullResyncHoldsOnlyTheNewest(t *testing.T) {
	gw, acct, fake := newOutlookTestWithLimit(t, 3)

	fake.mu.Lock()
	fake.bulk = 12
	fake.mu.Unlock()
	for i := 0; i < 12; i++ {
		// Served oldest first across six pages, except b05 which is the newest.
		sent := fmt.Sprintf("2025-06-01T%02d:00:00Z", i)
		if i == 5 {
			sent = "2025-06-02T00:00:00Z"
		}
		fake.addMessage(graphMessageJSON(fmt.Sprintf("b%02d", i), "bulk", "news@example.com", sent))
	}

	res, err := gw.FetchMessages(context.Background(), acct, "")
	require.NoError(t, err)
	assert.True(t, res.FullResync)
	assert.True(t, strings.HasSuffix(res.Checkpoint, "$deltatoken=bulk"))

	ids := make([]string, 0, len(res.Messages))
	for _, m := range res.Messages {
		ids = append(ids, strings.TrimPrefix(m.ExternalMessageID, "outlook:acct-o:"))
	}
	assert.Equal(t, []string{"b10", "b11", "b05"}, ids, "newest three, oldest first")
	assert.ElementsMatch(t, []string{"b05", "b10", "b11"}, fake.fetched, "bodies fetched only for kept messages")
}

func TestOutlookForeignCheckpointIsIgnored(t *testing.T) {
	gw, acct, _ := newOutlookTest(t)

	res, err := gw.FetchMessages(context.Background(), acct, "https://elsewhere.example/delta")
	require.NoError(t, err)
	assert.True(t, res.FullResync)
}

func TestOutlookSendCreatesAndSendsDraft(t *testing.T) {
	gw, acct, fake := newOutlookTest(t)
	ctx := context.Background()

	conn, err := gw.Connect(ctx, acct)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	require.NoError(t, conn.Verify(ctx))

	id, err := conn.SendMessage(ctx, &models.OutboundMessage{
		FromAddress: acct.EmailAddress,
		To:          []string{"Alice <alice@example.com>"},
		Subject:     "Status",
		HTML:        "<p>All green.</p>",
		Text:        "All green.",
		Attachments: []models.Attachment{{Filename: "a.txt", MimeType: "text/plain", Content: []byte("hi")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "outlook:acct-o:draft-1", id)
	assert.Equal(t, []string{"draft-1"}, fake.sent)

	require.Len(t, fake.drafts, 1)
	body := fake.drafts[0]["body"].(map[string]any)
	assert.Equal(t, "HTML", body["contentType"])
	to := fake.drafts[0]["toRecipients"].([]any)
	require.Len(t, to, 1)
	assert.Equal(t, "alice@example.com", to[0].(map[string]any)["emailAddress"].(map[string]any)["address"])
	atts := fake.drafts[0]["attachments"].([]any)
	assert.Equal(t, "aGk=", atts[0].(map[string]any)["contentBytes"])
}

func TestOutlookVerifyUnauthorized(t *testing.T) {
	gw, acct, fake := newOutlookTest(t)
	fake.mu.Lock()
	fake.meCode = http.StatusUnauthorized
	fake.mu.Unlock()

	conn, err := gw.Connect(context.Background(), acct)
	require.NoError(t, err)

	err = conn.Verify(context.Background())
	assert.ErrorIs(t, err, mailerr.ErrProviderRejected)
	assert.True(t, mailerr.IsConnectionFault(err))
}

func TestClassifyGraphError(t *testing.T) {
	tests := []struct {
		status    int
		kind      error
		connFault bool
	}{
		{http.StatusBadRequest, mailerr.ErrProviderRejected, false},
		{http.StatusUnauthorized, mailerr.ErrProviderRejected, true},
		{http.StatusForbidden, mailerr.ErrProviderRejected, false},
		{http.StatusRequestEntityTooLarge, mailerr.ErrProviderRejected, false},
		{http.StatusTooManyRequests, mailerr.ErrProviderUnavailable, false},
		{http.StatusServiceUnavailable, mailerr.ErrProviderUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := classifyGraphError("send", &graphError{StatusCode: tt.status})
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.connFault, mailerr.IsConnectionFault(err))
		})
	}
}
