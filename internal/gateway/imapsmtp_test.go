package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
	"github.com/vdavid/mailcore/internal/testutil"
)

func newIMAPAccount(t *testing.T, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) *models.Account {
	t.Helper()
	enc := testutil.GetTestEncryptor(t)

	acct := &models.Account{
		ID:           "acct-imap",
		UserID:       "user-1",
		Provider:     models.ProviderSMTP,
		EmailAddress: "me@example.com",
		IsActive:     true,
	}
	if imapServer != nil {
		pw, err := enc.Encrypt(imapServer.Password())
		require.NoError(t, err)
		acct.IMAPHost = imapServer.Address
		acct.IMAPUsername = imapServer.Username()
		acct.EncryptedIMAPPassword = pw
	}
	if smtpServer != nil {
		pw, err := enc.Encrypt(smtpServer.Password())
		require.NoError(t, err)
		acct.SMTPHost = smtpServer.Address
		acct.SMTPUsername = smtpServer.Username()
		acct.EncryptedSMTPPassword = pw
	}
	return acct
}

func newTestIMAPSMTPGateway(t *testing.T, limit int) *IMAPSMTPGateway {
	log, _ := test.NewNullLogger()
	return NewIMAPSMTPGateway(testutil.GetTestEncryptor(t), limit, true, log)
}

func TestParseIMAPCheckpoint(t *testing.T) {
	tests := []struct {
		in   string
		want imapCheckpoint
		ok   bool
	}{
		{"", imapCheckpoint{}, false},
		{"garbage", imapCheckpoint{}, false},
		{"0:5", imapCheckpoint{}, false},
		{"12:x", imapCheckpoint{}, false},
		{"12:0", imapCheckpoint{validity: 12}, true},
		{"12:345", imapCheckpoint{validity: 12, lastUID: 345}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseIMAPCheckpoint(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
			if ok {
				assert.Equal(t, tt.in, got.String())
			}
		})
	}
}

func TestIMAPFetchMessages(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	server.EnsureINBOX(t)
	acct := newIMAPAccount(t, server, nil)
	gw := newTestIMAPSMTPGateway(t, 0)
	ctx := context.Background()

	base := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	server.AddMessage(t, "INBOX", "<root@example.com>", "Lunch?", "alice@example.com", "me@example.com", base)
	server.AddRawMessage(t, "INBOX", "<reply@example.com>", strings.Join([]string{
		"Message-ID: <reply@example.com>",
		"Date: " + base.Add(time.Hour).Format(time.RFC1123Z),
		"From: Me <me@example.com>",
		"To: alice@example.com",
		"Subject: Re: Lunch?",
		"In-Reply-To: <root@example.com>",
		"References: <root@example.com>",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Sure, noon works.</p>",
		"",
	}, "\r\n"))

	first, err := gw.FetchMessages(ctx, acct, "")
	require.NoError(t, err)
	assert.True(t, first.FullResync)
	require.GreaterOrEqual(t, len(first.Messages), 2, "the sample message plus ours")
	assert.Zero(t, first.Unparseable)

	byID := map[string]*models.ExternalMessage{}
	for _, m := range first.Messages {
		byID[m.MessageIDHeader] = m
		assert.True(t, strings.HasPrefix(m.ExternalMessageID, "imap:acct-imap:"), m.ExternalMessageID)
	}

	root := byID["<root@example.com>"]
	reply := byID["<reply@example.com>"]
	require.NotNil(t, root)
	require.NotNil(t, reply)

	assert.Equal(t, models.DirectionReceived, root.Direction)
	assert.Equal(t, models.DirectionSent, reply.Direction)
	assert.Equal(t, root.ExternalThreadID, reply.ExternalThreadID, "reply shares the thread key of its root")
	assert.Contains(t, reply.HTML, "noon works")
	assert.True(t, root.IsRead, "appended with \\Seen")
	assert.True(t, base.Equal(root.SentAt))

	t.Run("incremental fetch returns only new messages", func(t *testing.T) {
		server.AddMessage(t, "INBOX", "<later@example.com>", "Later", "carol@example.com", "me@example.com", base.Add(2*time.Hour))

		next, err := gw.FetchMessages(ctx, acct, first.Checkpoint)
		require.NoError(t, err)
		assert.False(t, next.FullResync)
		require.Len(t, next.Messages, 1)
		assert.Equal(t, "<later@example.com>", next.Messages[0].MessageIDHeader)
		assert.NotEqual(t, first.Checkpoint, next.Checkpoint)

		again, err := gw.FetchMessages(ctx, acct, next.Checkpoint)
		require.NoError(t, err)
		assert.Empty(t, again.Messages)
		assert.Equal(t, next.Checkpoint, again.Checkpoint)
	})

	t.Run("changed uidvalidity triggers full resync", func(t *testing.T) {
		res, err := gw.FetchMessages(ctx, acct, fmt.Sprintf("%d:1", uint32(4294967295)))
		require.NoError(t, err)
		assert.True(t, res.FullResync)
		assert.GreaterOrEqual(t, len(res.Messages), 3)
	})

	t.Run("full resync is bounded", func(t *testing.T) {
		limited := newTestIMAPSMTPGateway(t, 1)
		res, err := limited.FetchMessages(ctx, acct, "")
		require.NoError(t, err)
		require.Len(t, res.Messages, 1)
		assert.Equal(t, "<later@example.com>", res.Messages[0].MessageIDHeader)
	})
}

func TestIMAPFetchErrors(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	gw := newTestIMAPSMTPGateway(t, 0)

	t.Run("wrong password is rejected", func(t *testing.T) {
		acct := newIMAPAccount(t, server, nil)
		pw, err := testutil.GetTestEncryptor(t).Encrypt("wrong")
		require.NoError(t, err)
		acct.EncryptedIMAPPassword = pw

		_, err = gw.FetchMessages(context.Background(), acct, "")
		assert.ErrorIs(t, err, mailerr.ErrProviderRejected)
		assert.True(t, mailerr.IsConnectionFault(err))
	})

	t.Run("unreachable server is unavailable", func(t *testing.T) {
		acct := newIMAPAccount(t, server, nil)
		acct.IMAPHost = "127.0.0.1:1"

		_, err := gw.FetchMessages(context.Background(), acct, "")
		assert.ErrorIs(t, err, mailerr.ErrProviderUnavailable)
		assert.True(t, mailerr.IsTransient(err))
	})
}

func TestSMTPConnection(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	acct := newIMAPAccount(t, nil, server)
	gw := newTestIMAPSMTPGateway(t, 0)
	ctx := context.Background()

	conn, err := gw.Connect(ctx, acct)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.Verify(ctx))

	t.Run("sends over the open session", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			id, err := conn.SendMessage(ctx, &models.OutboundMessage{
				FromAddress:     acct.EmailAddress,
				To:              []string{"Alice <alice@example.com>"},
				BCC:             []string{"audit@example.com"},
				Subject:         "Hello",
				Text:            "Hello there, Alice.",
				MessageIDHeader: fmt.Sprintf("<m%d@example.com>", i),
			})
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("<m%d@example.com>", i), id)
		}

		msgs := server.GetMessages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "me@example.com", msgs[0].From)
		assert.Equal(t, []string{"alice@example.com", "audit@example.com"}, msgs[0].To)
		assert.Contains(t, string(msgs[0].Data), "Hello there, Alice.")
		assert.Equal(t, 1, server.Backend.Logins(), "one login for the whole session")
	})

	t.Run("permanent recipient failure is rejected and keeps the session usable", func(t *testing.T) {
		server.Backend.RejectRecipient("nobody@example.com")

		_, err := conn.SendMessage(ctx, &models.OutboundMessage{
			FromAddress: acct.EmailAddress,
			To:          []string{"nobody@example.com"},
			Subject:     "Hello",
			Text:        "Hello there, nobody.",
		})
		require.ErrorIs(t, err, mailerr.ErrProviderRejected)
		assert.False(t, mailerr.IsConnectionFault(err))

		require.NoError(t, conn.Verify(ctx))
	})

	t.Run("no recipients", func(t *testing.T) {
		_, err := conn.SendMessage(ctx, &models.OutboundMessage{FromAddress: acct.EmailAddress, Text: "Hello there."})
		assert.ErrorIs(t, err, mailerr.ErrProviderRejected)
	})
}

func TestSMTPConnectErrors(t *testing.T) {
	server := testutil.NewTestSMTPServer(t)
	gw := newTestIMAPSMTPGateway(t, 0)

	t.Run("bad credentials", func(t *testing.T) {
		acct := newIMAPAccount(t, nil, server)
		pw, err := testutil.GetTestEncryptor(t).Encrypt("wrong")
		require.NoError(t, err)
		acct.EncryptedSMTPPassword = pw

		_, err = gw.Connect(context.Background(), acct)
		require.ErrorIs(t, err, mailerr.ErrProviderRejected)
		assert.True(t, mailerr.IsConnectionFault(err))
	})

	t.Run("unreachable", func(t *testing.T) {
		acct := newIMAPAccount(t, nil, server)
		acct.SMTPHost = "127.0.0.1:1"

		_, err := gw.Connect(context.Background(), acct)
		assert.ErrorIs(t, err, mailerr.ErrProviderUnavailable)
	})

	t.Run("undecryptable password", func(t *testing.T) {
		acct := newIMAPAccount(t, nil, server)
		acct.EncryptedSMTPPassword = []byte("junk")

		_, err := gw.Connect(context.Background(), acct)
		assert.ErrorIs(t, err, mailerr.ErrProviderRejected)
	})
}

func TestClassifySMTPError(t *testing.T) {
	err := classifySMTPError("send", errors.New("connection reset by peer"))
	assert.ErrorIs(t, err, mailerr.ErrProviderUnavailable)
	assert.True(t, mailerr.IsConnectionFault(err))
}

func TestWatchStopsOnCancel(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	acct := newIMAPAccount(t, server, nil)
	gw := newTestIMAPSMTPGateway(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Watch(ctx, acct, func() {}) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
