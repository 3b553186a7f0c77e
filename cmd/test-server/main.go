// Command test-server runs the API against throwaway Postgres, IMAP and SMTP
// servers with one seeded account, for end-to-end tests and local poking.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/vdavid/mailcore/internal/app"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/crypto"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/logging"
	"github.com/vdavid/mailcore/internal/models"
	"github.com/vdavid/mailcore/internal/testutil"
)

const testEmail = "test@example.com"

var log = logging.Logger(logging.Main)

func main() {
	ctx := context.Background()

	if err := setupTestEnvironment(); err != nil {
		log.Fatalf("Failed to setup test environment: %v", err)
	}

	postgresContainer, connStr, err := startPostgres(ctx)
	if err != nil {
		log.Fatalf("Failed to start Postgres: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			log.WithError(err).Warn("Failed to terminate Postgres container")
		}
	}()

	imapServer, smtpServer, err := startMailServers()
	if err != nil {
		log.Fatalf("Failed to start mail servers: %v", err)
	}
	defer imapServer.Close()
	defer smtpServer.Close()

	if err := seedTestData(imapServer); err != nil {
		log.Fatalf("Failed to seed test data: %v", err)
	}

	cfg, pool, err := setupDatabase(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to setup database: %v", err)
	}
	defer pool.Close()

	account, err := seedAccount(ctx, pool, cfg, imapServer, smtpServer)
	if err != nil {
		log.Fatalf("Failed to seed account: %v", err)
	}

	if err := startHTTPServer(ctx, cfg, pool, account, imapServer, smtpServer); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// setupTestEnvironment sets the variables config.NewConfig needs.
func setupTestEnvironment() error {
	vars := map[string]string{
		"MAILCORE_ENV":                   "test",
		"MAILCORE_TEST_MODE":             "true",
		"MAILCORE_ENCRYPTION_KEY_BASE64": "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM=",
		"MAILCORE_DB_PASSWORD":           "mailcore",
		"MAILCORE_INSECURE_TRANSPORT":    "true",
	}
	for key, value := range vars {
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// startPostgres starts a test Postgres database using testcontainers.
func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	log.Info("Starting test Postgres database...")
	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailcore_test"),
		postgres.WithUsername("mailcore"),
		postgres.WithPassword("mailcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to start Postgres container: %w", err)
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, "", fmt.Errorf("failed to get connection string: %w", err)
	}

	log.Info("Test Postgres database started")
	return postgresContainer, connStr, nil
}

// startMailServers starts test IMAP and SMTP servers.
func startMailServers() (*testutil.TestIMAPServer, *testutil.TestSMTPServer, error) {
	imapServer, err := testutil.StartIMAPServer("127.0.0.1:0")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start test IMAP server: %w", err)
	}
	log.Infof("Test IMAP server started on %s", imapServer.Address)

	smtpServer, err := testutil.StartSMTPServer("127.0.0.1:0")
	if err != nil {
		imapServer.Close()
		return nil, nil, fmt.Errorf("failed to start test SMTP server: %w", err)
	}
	log.Infof("Test SMTP server started on %s", smtpServer.Address)

	return imapServer, smtpServer, nil
}

// setupDatabase creates a database connection pool and runs migrations.
func setupDatabase(ctx context.Context, connStr string) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	db.ConfigurePool(poolConfig)

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := testutil.RunMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("Successfully connected to database and ran migrations")
	return cfg, pool, nil
}

// seedTestData puts three plain-text messages in INBOX.
func seedTestData(imapServer *testutil.TestIMAPServer) error {
	now := time.Now()
	messages := []struct {
		messageID string
		subject   string
		from      string
		sentAt    time.Time
	}{
		{"<msg1@test>", "Welcome to Mailcore", "sender@example.com", now.Add(-2 * time.Hour)},
		{"<msg2@test>", "Meeting Tomorrow", "colleague@example.com", now.Add(-time.Hour)},
		{"<msg3@test>", "Special Report Q3", "reports@example.com", now},
	}

	for _, msg := range messages {
		if err := imapServer.AppendMessage("INBOX", msg.messageID, msg.subject, msg.from, testEmail, msg.sentAt); err != nil {
			return fmt.Errorf("failed to add message %s: %w", msg.messageID, err)
		}
	}
	return nil
}

// seedAccount links the test user to the local IMAP and SMTP servers.
func seedAccount(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) (*models.Account, error) {
	userID, err := db.GetOrCreateUser(ctx, pool, testEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to get or create user: %w", err)
	}

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	encryptedIMAPPassword, err := encryptor.Encrypt(imapServer.Password())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt IMAP password: %w", err)
	}
	encryptedSMTPPassword, err := encryptor.Encrypt(smtpServer.Password())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt SMTP password: %w", err)
	}

	account := &models.Account{
		UserID:                userID,
		Provider:              models.ProviderSMTP,
		EmailAddress:          testEmail,
		DisplayName:           "Test User",
		IMAPHost:              imapServer.Address,
		IMAPUsername:          imapServer.Username(),
		EncryptedIMAPPassword: encryptedIMAPPassword,
		SMTPHost:              smtpServer.Address,
		SMTPUsername:          smtpServer.Username(),
		EncryptedSMTPPassword: encryptedSMTPPassword,
		IsDefault:             true,
		IsActive:              true,
	}
	if err := db.CreateAccount(ctx, pool, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	log.WithField("account_id", account.ID).Info("Seeded test account")
	return account, nil
}

// startHTTPServer serves the API until SIGINT or SIGTERM.
func startHTTPServer(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, account *models.Account, imapServer *testutil.TestIMAPServer, smtpServer *testutil.TestSMTPServer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, pool)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.StartWatchers(ctx); err != nil {
		log.WithError(err).Warn("Could not start IMAP IDLE watcher")
	}

	server := &http.Server{Addr: ":" + cfg.Port, Handler: NewServer(a, smtpServer), ReadHeaderTimeout: 10 * time.Second}

	log.WithFields(logrus.Fields{
		"address":    server.Addr,
		"account_id": account.ID,
		"imap":       imapServer.Address,
		"smtp":       smtpServer.Address,
	}).Info("Mailcore test server ready for E2E tests. Press Ctrl+C to stop.")

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err := <-serverErr:
		runErr = fmt.Errorf("server error: %w", err)
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

type sentMessage struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Size int      `json:"size"`
}

// NewServer creates the HTTP handler for the test server. Messages accepted
// by the local SMTP server are listed at GET /test/sent so E2E tests can
// assert on delivery.
func NewServer(a *app.App, smtpServer *testutil.TestSMTPServer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("GET /test/sent", func(w http.ResponseWriter, _ *http.Request) {
		received := smtpServer.GetMessages()
		out := make([]sentMessage, 0, len(received))
		for _, m := range received {
			out = append(out, sentMessage{From: m.From, To: m.To, Size: len(m.Data)})
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			log.WithError(err).Warn("Failed to encode sent messages")
		}
	})
	a.Register(mux)
	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Mailcore Test Server is running")
}
