// Package app wires the services shared by the server and the CLI.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/vdavid/mailcore/internal/api"
	"github.com/vdavid/mailcore/internal/audit"
	"github.com/vdavid/mailcore/internal/auth"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/crypto"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/deliverability"
	"github.com/vdavid/mailcore/internal/dispatch"
	"github.com/vdavid/mailcore/internal/gateway"
	"github.com/vdavid/mailcore/internal/logging"
	"github.com/vdavid/mailcore/internal/mailsync"
	"github.com/vdavid/mailcore/internal/models"
	"github.com/vdavid/mailcore/internal/ratelimit"
	"github.com/vdavid/mailcore/internal/retry"
	"github.com/vdavid/mailcore/internal/transport"
)

// App holds the long-lived services behind the HTTP surface.
type App struct {
	Store        *db.PgStore
	Gateways     *gateway.Registry
	IMAP         *gateway.IMAPSMTPGateway
	Cache        *transport.Cache
	Orchestrator *mailsync.Orchestrator
	Dispatcher   *dispatch.Dispatcher

	pool     *pgxpool.Pool
	redis    *redis.Client
	users    api.UserResolver
	watchers sync.WaitGroup
}

// New wires every service from cfg. Redis and spamd are optional: an
// empty MAILCORE_REDIS_URL keeps send quotas in process memory and an empty
// MAILCORE_SPAMD_ADDR scores content with the built-in heuristics only.
func New(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) (*App, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	gwLog := logging.Logger(logging.Gateway)
	imapGateway := gateway.NewIMAPSMTPGateway(encryptor, cfg.Sync.FullResyncLimit, cfg.InsecureTransport, gwLog)
	registry := gateway.NewRegistry(
		gateway.NewGmailGateway(cfg.Google, encryptor, cfg.Sync.FullResyncLimit, gwLog),
		gateway.NewOutlookGateway(cfg.Microsoft, encryptor, cfg.GraphBaseURL, 0, cfg.Sync.FullResyncLimit, gwLog),
		imapGateway,
	)

	app := &App{
		Store:    db.NewStore(pool),
		Gateways: registry,
		IMAP:     imapGateway,
		pool:     pool,
	}
	app.users = func(ctx context.Context, email string) (string, error) {
		return db.GetOrCreateUser(ctx, pool, email)
	}

	var limiter ratelimit.Limiter
	limits := ratelimit.Limits(cfg.RateLimits)
	if cfg.RedisURL != "" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		app.redis = client
		limiter = ratelimit.NewRedisLimiter(client, limits, time.Now)
	} else {
		limiter = ratelimit.NewMemoryLimiter(limits, time.Now)
	}

	sendLog := logging.Logger(logging.Send)
	var guardOpts []deliverability.Option
	if cfg.Send.SpamdAddr != "" {
		sa, err := deliverability.NewSpamAssassin(ctx, cfg.Send.SpamdAddr)
		if err != nil {
			app.Close()
			return nil, err
		}
		guardOpts = append(guardOpts, deliverability.WithSpamChecker(sa))
	}
	guard := deliverability.NewGuard(deliverability.PolicyFromConfig(cfg.Send), sendLog, guardOpts...)

	hook := audit.NewLogHook(logging.Logger(logging.Audit))
	recorder := dispatch.NewVerificationRecorder(app.Store, hook, sendLog)

	app.Cache = transport.NewCache(registry, transport.Options{
		ConnectTimeout:   cfg.Send.ConnectTimeout,
		HealthCheckAfter: cfg.Send.HealthCheckAfter,
		Recorder:         recorder,
	}, logging.Logger(logging.Transport))

	app.Dispatcher = dispatch.NewDispatcher(dispatch.Deps{
		Store:          app.Store,
		Gateways:       registry,
		Transport:      app.Cache,
		Limiter:        limiter,
		Guard:          guard,
		Recorder:       recorder,
		Audit:          hook,
		Log:            sendLog,
		SendTimeout:    cfg.Send.Timeout,
		ConnectTimeout: cfg.Send.ConnectTimeout,
	})
	app.Orchestrator = mailsync.NewOrchestrator(app.Store, registry, cfg.Sync, retry.FromConfig(cfg.Retry), hook, logging.Logger(logging.Sync))

	return app, nil
}

// Register adds the API routes to mux.
func (a *App) Register(mux *http.ServeMux) {
	apiLog := logging.Logger(logging.API)
	authHandler := api.NewAuthHandler(a.Store, a.users, apiLog)
	accountsHandler := api.NewAccountsHandler(a.Orchestrator, a.Dispatcher, a.Store, a.users, apiLog)

	mux.Handle("GET /api/v1/auth/status", auth.RequireAuth(http.HandlerFunc(authHandler.GetAuthStatus)))
	mux.Handle("POST /api/v1/accounts/{id}/sync", auth.RequireAuth(http.HandlerFunc(accountsHandler.SyncAccount)))
	mux.Handle("POST /api/v1/accounts/{id}/send", auth.RequireAuth(http.HandlerFunc(accountsHandler.SendFromAccount)))
	mux.Handle("POST /api/v1/accounts/{id}/test", auth.RequireAuth(http.HandlerFunc(accountsHandler.TestAccount)))
	mux.Handle("POST /api/v1/messages/{id}/retry", auth.RequireAuth(http.HandlerFunc(accountsHandler.RetryDelivery)))
}

// StartWatchers keeps one IDLE session per active IMAP account and syncs it
// on every new-mail notification. Accounts added later are picked up on the
// next restart.
func (a *App) StartWatchers(ctx context.Context) error {
	accounts, err := db.ListActiveAccountsByProvider(ctx, a.pool, models.ProviderSMTP)
	if err != nil {
		return err
	}

	log := logging.Logger(logging.Sync)
	for _, account := range accounts {
		a.watchers.Add(1)
		go func() {
			defer a.watchers.Done()
			if err := a.Orchestrator.Watch(ctx, a.IMAP, account); err != nil {
				log.WithError(err).WithField("account_id", account.ID).Warn("IMAP watcher stopped")
			}
		}()
	}
	log.Infof("Watching %d IMAP account(s)", len(accounts))
	return nil
}

// Close waits for watchers and closes cached connections. The caller
// cancels the watchers' context first.
func (a *App) Close() {
	a.watchers.Wait()
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
