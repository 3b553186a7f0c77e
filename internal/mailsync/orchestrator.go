// Package mailsync pulls new mail from an account's provider and persists it
// through the thread resolver.
package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailcore/internal/audit"
	"github.com/vdavid/mailcore/internal/config"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/gateway"
	"github.com/vdavid/mailcore/internal/models"
	"github.com/vdavid/mailcore/internal/retry"
	"github.com/vdavid/mailcore/internal/threading"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSyncInProgress is returned when the account is already being synced.
	ErrSyncInProgress  = errors.New("sync already in progress")
	ErrAccountInactive = errors.New("account is inactive")
)

const defaultBatchSize = 10

// State is where an account's sync currently is.
type State int

const (
	Idle State = iota
	Fetching
	Persisting
)

func (s State) String() string {
	switch s {
	case Fetching:
		return "fetching"
	case Persisting:
		return "persisting"
	}
	return "idle"
}

// Gateways resolves the gateway serving an account.
type Gateways interface {
	For(account *models.Account) (gateway.Gateway, error)
}

// Summary reports one sync pass.
type Summary struct {
	Synced  int `json:"synced"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	// Unparseable counts messages the provider returned but whose bodies
	// could not be read. They never reach the store.
	Unparseable int `json:"unparseable"`
	// Checkpoint is the account's checkpoint after the pass.
	Checkpoint string `json:"checkpoint"`
	// Advanced is true when every message committed and the checkpoint moved.
	Advanced   bool `json:"advanced"`
	FullResync bool `json:"full_resync"`
}

// Orchestrator runs sync passes. One pass per account at a time.
type Orchestrator struct {
	store    db.Store
	gateways Gateways
	resolver *threading.Resolver
	cfg      config.SyncConfig
	policy   retry.Policy
	audit    audit.Hook
	log      logrus.FieldLogger
	now      func() time.Time

	mu     sync.Mutex
	states map[string]State
}

// NewOrchestrator creates an Orchestrator. A nil hook discards audit events.
func NewOrchestrator(store db.Store, gateways Gateways, cfg config.SyncConfig, policy retry.Policy, hook audit.Hook, log logrus.FieldLogger) *Orchestrator {
	if hook == nil {
		hook = audit.Nop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	o := &Orchestrator{
		store:    store,
		gateways: gateways,
		resolver: threading.NewResolver(store, hook),
		cfg:      cfg,
		policy:   policy,
		audit:    hook,
		log:      log,
		now:      time.Now,
		states:   make(map[string]State),
	}
	o.policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		o.log.WithError(err).WithFields(logrus.Fields{"attempt": attempt + 1, "wait": wait}).Debug("Retrying after transient error")
	}
	return o
}

// State returns the sync state of an account.
func (o *Orchestrator) State(accountID string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[accountID]
}

func (o *Orchestrator) begin(accountID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.states[accountID] != Idle {
		return ErrSyncInProgress
	}
	o.states[accountID] = Fetching
	return nil
}

func (o *Orchestrator) setState(accountID string, s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s == Idle {
		delete(o.states, accountID)
		return
	}
	o.states[accountID] = s
}

// Sync fetches everything new since the stored checkpoint and persists it.
// The checkpoint only moves when every fetched message committed, so failed
// messages come back on the next pass. userID, when set, must own the account.
func (o *Orchestrator) Sync(ctx context.Context, accountID, userID string) (*Summary, error) {
	if err := o.begin(accountID); err != nil {
		return nil, err
	}
	defer o.setState(accountID, Idle)

	log := o.log.WithField("account_id", accountID)

	account, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if userID != "" && account.UserID != userID {
		return nil, db.ErrAccountNotFound
	}
	if !account.IsActive {
		return nil, ErrAccountInactive
	}

	gw, err := o.gateways.For(account)
	if err != nil {
		return nil, err
	}

	result, err := o.fetch(ctx, gw, account)
	if err != nil {
		log.WithError(err).Warn("Fetch failed")
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	log.WithFields(logrus.Fields{
		"count":       len(result.Messages),
		"unparseable": result.Unparseable,
		"full_resync": result.FullResync,
	}).Info("Fetched messages")

	o.setState(accountID, Persisting)
	summary := &Summary{Checkpoint: account.SyncCheckpoint, FullResync: result.FullResync, Unparseable: result.Unparseable}
	o.persistAll(ctx, account, result.Messages, summary)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if summary.Failed > 0 {
		log.WithFields(logrus.Fields{"synced": summary.Synced, "failed": summary.Failed}).Warn("Sync incomplete, keeping checkpoint")
		return summary, nil
	}

	if err := o.store.UpdateSyncCheckpoint(ctx, accountID, result.Checkpoint, o.now()); err != nil {
		return summary, fmt.Errorf("failed to save sync checkpoint: %w", err)
	}
	summary.Checkpoint = result.Checkpoint
	summary.Advanced = true
	o.audit.Record(ctx, audit.Event{Entity: audit.EntityAccount, EntityID: accountID, Action: audit.ActionUpdated, UserID: account.UserID, At: o.now()})

	log.WithFields(logrus.Fields{
		"synced":      summary.Synced,
		"skipped":     summary.Skipped,
		"unparseable": summary.Unparseable,
	}).Info("Sync complete")
	return summary, nil
}

func (o *Orchestrator) fetch(ctx context.Context, gw gateway.Gateway, account *models.Account) (*gateway.FetchResult, error) {
	var result *gateway.FetchResult
	err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
		fetchCtx := ctx
		if o.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, o.cfg.FetchTimeout)
			defer cancel()
		}
		var err error
		result, err = gw.FetchMessages(fetchCtx, account, account.SyncCheckpoint)
		return err
	})
	return result, err
}

// persistAll stores messages in batches. Within a batch every message runs to
// completion whatever happens to its neighbors.
func (o *Orchestrator) persistAll(ctx context.Context, account *models.Account, messages []*models.ExternalMessage, summary *Summary) {
	var synced, skipped, failed atomic.Int64

	for start := 0; start < len(messages); start += o.cfg.BatchSize {
		if ctx.Err() != nil {
			failed.Add(int64(len(messages) - start))
			break
		}
		batch := messages[start:min(start+o.cfg.BatchSize, len(messages))]

		var g errgroup.Group
		g.SetLimit(o.cfg.BatchSize)
		for _, msg := range batch {
			g.Go(func() error {
				out, err := o.persist(ctx, account, msg)
				switch {
				case err != nil:
					failed.Add(1)
					o.log.WithError(err).WithFields(logrus.Fields{
						"account_id":  account.ID,
						"external_id": msg.ExternalMessageID,
					}).Error("Failed to persist message")
				case out.Status == threading.Skipped:
					skipped.Add(1)
				default:
					synced.Add(1)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	summary.Synced = int(synced.Load())
	summary.Skipped = int(skipped.Load())
	summary.Failed = int(failed.Load())
}

func (o *Orchestrator) persist(ctx context.Context, account *models.Account, msg *models.ExternalMessage) (threading.Outcome, error) {
	var out threading.Outcome
	err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
		persistCtx := ctx
		if o.cfg.PersistTimeout > 0 {
			var cancel context.CancelFunc
			persistCtx, cancel = context.WithTimeout(ctx, o.cfg.PersistTimeout)
			defer cancel()
		}
		var err error
		out, err = o.resolver.Resolve(persistCtx, account, msg)
		return err
	})
	return out, err
}

// AccountResult is one account's share of SyncUser.
type AccountResult struct {
	AccountID string
	Summary   *Summary
	Err       error
}

// SyncUser syncs every active account of a user concurrently. One account
// failing does not stop the others.
func (o *Orchestrator) SyncUser(ctx context.Context, userID string) ([]AccountResult, error) {
	accounts, err := o.store.ListActiveAccounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	results := make([]AccountResult, len(accounts))
	var g errgroup.Group
	for i, account := range accounts {
		g.Go(func() error {
			summary, err := o.Sync(ctx, account.ID, userID)
			results[i] = AccountResult{AccountID: account.ID, Summary: summary, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
