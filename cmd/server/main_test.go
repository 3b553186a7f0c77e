package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailcore/internal/app"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/models"
	"github.com/vdavid/mailcore/internal/testutil"
)

func getTestConfig() *config.Config {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	return &config.Config{
		Environment:         "test",
		EncryptionKeyBase64: base64.StdEncoding.EncodeToString(key),
		Port:                "8080",
		Timezone:            "UTC",
		LogLevel:            "error",
		Sync: config.SyncConfig{
			BatchSize:       10,
			FullResyncLimit: 50,
			FetchTimeout:    10 * time.Second,
			PersistTimeout:  5 * time.Second,
		},
		Retry: config.RetryConfig{MaxRetries: 1, BaseDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		Send: config.SendConfig{
			Timeout:        10 * time.Second,
			ConnectTimeout: 5 * time.Second,
			ScoreBlock:     7,
			ScoreWarn:      5,
			MinTextLength:  10,
		},
		RateLimits: map[models.ProviderKind]config.RateLimit{
			models.ProviderSMTP: {Hourly: 100, Daily: 1000},
		},
		InsecureTransport: true,
	}
}

func TestHandleRoot(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handleRoot(w, req)

	res := w.Result()
	defer func() { _ = res.Body.Close() }()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, "Mailcore API is running", string(body))
}

type serverFixture struct {
	handler http.Handler
	smtp    *testutil.TestSMTPServer
	account *models.Account
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("needs Docker for Postgres")
	}
	t.Setenv("MAILCORE_TEST_MODE", "true")

	ctx := context.Background()
	pool := testutil.NewTestDB(t)
	t.Cleanup(pool.Close)

	a, err := app.New(ctx, getTestConfig(), pool)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	imapServer := testutil.NewTestIMAPServer(t)
	smtpServer := testutil.NewTestSMTPServer(t)
	enc := testutil.GetTestEncryptor(t)

	imapPassword, err := enc.Encrypt(imapServer.Password())
	require.NoError(t, err)
	smtpPassword, err := enc.Encrypt(smtpServer.Password())
	require.NoError(t, err)

	userID, err := db.GetOrCreateUser(ctx, pool, "owner@example.com")
	require.NoError(t, err)

	account := &models.Account{
		UserID:                userID,
		Provider:              models.ProviderSMTP,
		EmailAddress:          "owner@example.com",
		IMAPHost:              imapServer.Address,
		IMAPUsername:          imapServer.Username(),
		EncryptedIMAPPassword: imapPassword,
		SMTPHost:              smtpServer.Address,
		SMTPUsername:          smtpServer.Username(),
		EncryptedSMTPPassword: smtpPassword,
		IsDefault:             true,
		IsActive:              true,
	}
	require.NoError(t, db.CreateAccount(ctx, pool, account))

	return &serverFixture{handler: NewServer(a), smtp: smtpServer, account: account}
}

func (f *serverFixture) do(t *testing.T, method, path, email, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if email != "" {
		req.Header.Set("Authorization", "Bearer email:"+email)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func TestServerRoutes(t *testing.T) {
	f := newServerFixture(t)
	accountPath := "/api/v1/accounts/" + f.account.ID

	t.Run("auth is required", func(t *testing.T) {
		code, _ := f.do(t, http.MethodPost, accountPath+"/sync", "", "")
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("auth status", func(t *testing.T) {
		code, body := f.do(t, http.MethodGet, "/api/v1/auth/status", "owner@example.com", "")
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["isSetupComplete"])
	})

	t.Run("wrong method", func(t *testing.T) {
		code, _ := f.do(t, http.MethodGet, accountPath+"/sync", "owner@example.com", "")
		assert.Equal(t, http.StatusMethodNotAllowed, code)
	})

	t.Run("test connection", func(t *testing.T) {
		code, body := f.do(t, http.MethodPost, accountPath+"/test", "owner@example.com", "")
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, true, body["success"])
	})

	t.Run("send delivers over SMTP", func(t *testing.T) {
		payload := `{"to":["friend@example.com"],"subject":"Lunch on Friday","text":"Are you free for lunch on Friday at noon?"}`
		code, body := f.do(t, http.MethodPost, accountPath+"/send", "owner@example.com", payload)
		require.Equal(t, http.StatusOK, code, body)
		assert.Equal(t, true, body["success"])
		assert.NotEmpty(t, body["thread_id"])

		received := f.smtp.GetMessages()
		require.Len(t, received, 1)
		assert.Contains(t, received[0].To, "friend@example.com")
	})

	t.Run("sync pulls the inbox", func(t *testing.T) {
		code, body := f.do(t, http.MethodPost, accountPath+"/sync", "owner@example.com", "")
		require.Equal(t, http.StatusOK, code, body)
		assert.GreaterOrEqual(t, body["synced_count"], float64(1))
		assert.Equal(t, float64(0), body["failed_count"])
		assert.Equal(t, true, body["advanced"])
	})

	t.Run("foreign account is not found", func(t *testing.T) {
		code, _ := f.do(t, http.MethodPost, accountPath+"/sync", "stranger@example.com", "")
		assert.Equal(t, http.StatusNotFound, code)
	})
}
