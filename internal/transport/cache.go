// Package transport caches one verified send connection per account.
//
// Connections are created lazily, verified once, and reused until a send
// fails with a connection fault. Concurrent callers for the same account
// share a single connect-and-verify round trip.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailcore/internal/gateway"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned once the cache has been shut down.
var ErrClosed = errors.New("transport cache closed")

// GatewayResolver picks the gateway for an account. *gateway.Registry implements it.
type GatewayResolver interface {
	For(account *models.Account) (gateway.Gateway, error)
}

// StatusRecorder is told the outcome of every verification the cache runs.
type StatusRecorder interface {
	RecordVerification(ctx context.Context, account *models.Account, verifyErr error)
}

// StatusRecorderFunc adapts a function to StatusRecorder.
type StatusRecorderFunc func(ctx context.Context, account *models.Account, verifyErr error)

func (f StatusRecorderFunc) RecordVerification(ctx context.Context, account *models.Account, verifyErr error) {
	f(ctx, account, verifyErr)
}

// Options tune a Cache. Zero values disable the matching behavior.
type Options struct {
	// ConnectTimeout bounds one connect-and-verify round trip.
	ConnectTimeout time.Duration
	// HealthCheckAfter re-verifies a connection idle for longer than this before reuse.
	HealthCheckAfter time.Duration
	Recorder         StatusRecorder
	Now              func() time.Time
}

// Cache holds at most one verified connection per account id.
type Cache struct {
	gateways GatewayResolver
	opts     Options
	log      logrus.FieldLogger

	entries sync.Map // account id -> *Handle
	group   singleflight.Group
	closed  atomic.Bool
}

// NewCache creates an empty cache.
func NewCache(gateways GatewayResolver, opts Options, log logrus.FieldLogger) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{gateways: gateways, opts: opts, log: log}
}

// Handle is a cached connection. Sends through one handle are serialized.
type Handle struct {
	AccountID string

	mu       sync.Mutex
	conn     gateway.Connection
	now      func() time.Time
	lastUsed atomic.Int64
	closed   atomic.Bool
}

func newHandle(accountID string, conn gateway.Connection, now func() time.Time) *Handle {
	h := &Handle{AccountID: accountID, conn: conn, now: now}
	h.lastUsed.Store(now().UnixNano())
	return h
}

// Send puts msg on the wire and returns the provider's message id.
func (h *Handle) Send(ctx context.Context, msg *models.OutboundMessage) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed.Load() {
		return "", mailerr.Unavailable("transport", "send", ErrClosed, true)
	}
	id, err := h.conn.SendMessage(ctx, msg)
	h.lastUsed.Store(h.now().UnixNano())
	return id, err
}

func (h *Handle) verify(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.Verify(ctx)
}

func (h *Handle) close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn.Close()
}

// GetOrCreate returns the account's verified connection, creating it when
// missing. Failed verifications are never cached.
func (c *Cache) GetOrCreate(ctx context.Context, account *models.Account) (*Handle, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	if h, ok := c.load(account.ID); ok {
		if c.healthy(ctx, account, h) {
			return h, nil
		}
	}

	ch := c.group.DoChan(account.ID, func() (any, error) {
		// A flight that finished between our lookup and this call already stored it.
		if h, ok := c.load(account.ID); ok {
			return h, nil
		}
		// The first caller's cancellation must not fail everyone waiting on this flight.
		connectCtx := context.WithoutCancel(ctx)
		if c.opts.ConnectTimeout > 0 {
			var cancel context.CancelFunc
			connectCtx, cancel = context.WithTimeout(connectCtx, c.opts.ConnectTimeout)
			defer cancel()
		}
		return c.create(connectCtx, account)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) load(accountID string) (*Handle, bool) {
	v, ok := c.entries.Load(accountID)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// healthy re-verifies h when it has been idle too long. An unhealthy handle
// is evicted.
func (c *Cache) healthy(ctx context.Context, account *models.Account, h *Handle) bool {
	if c.opts.HealthCheckAfter <= 0 {
		return true
	}
	idle := c.opts.Now().Sub(time.Unix(0, h.lastUsed.Load()))
	if idle <= c.opts.HealthCheckAfter {
		return true
	}

	checkCtx := ctx
	if c.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, c.opts.ConnectTimeout)
		defer cancel()
	}

	if err := h.verify(checkCtx); err != nil {
		c.log.WithError(err).WithField("account_id", account.ID).Warn("Cached connection failed health check, reconnecting")
		c.Invalidate(account.ID, h)
		return false
	}
	h.lastUsed.Store(c.opts.Now().UnixNano())
	return true
}

func (c *Cache) create(ctx context.Context, account *models.Account) (*Handle, error) {
	log := c.log.WithFields(logrus.Fields{"account_id": account.ID, "provider": account.Provider})

	gw, err := c.gateways.For(account)
	if err != nil {
		return nil, err
	}

	conn, err := gw.Connect(ctx, account)
	if err == nil {
		if err = conn.Verify(ctx); err != nil {
			_ = conn.Close()
		}
	}
	c.record(ctx, account, err)
	if err != nil {
		log.WithError(err).Warn("Connection verification failed")
		return nil, fmt.Errorf("%w: %w", mailerr.ErrConnectionVerificationFailed, err)
	}

	h := newHandle(account.ID, conn, c.opts.Now)
	c.entries.Store(account.ID, h)

	if c.closed.Load() {
		c.Invalidate(account.ID, h)
		return nil, ErrClosed
	}

	log.Info("Connection verified and cached")
	return h, nil
}

func (c *Cache) record(ctx context.Context, account *models.Account, err error) {
	if c.opts.Recorder != nil {
		c.opts.Recorder.RecordVerification(ctx, account, err)
	}
}

// Invalidate evicts h for accountID and closes it. A nil h evicts whatever
// is cached. When the cache already holds a newer handle, nothing happens.
func (c *Cache) Invalidate(accountID string, h *Handle) {
	if h == nil {
		v, ok := c.entries.LoadAndDelete(accountID)
		if !ok {
			return
		}
		h = v.(*Handle)
	} else if !c.entries.CompareAndDelete(accountID, h) {
		return
	}

	if err := h.close(); err != nil {
		c.log.WithError(err).WithField("account_id", accountID).Debug("Error closing evicted connection")
	}
}

// Len reports how many connections are cached.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close closes every cached connection and refuses new ones.
func (c *Cache) Close() {
	c.closed.Store(true)
	c.entries.Range(func(key, _ any) bool {
		c.Invalidate(key.(string), nil)
		return true
	})
}
