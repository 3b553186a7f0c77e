// Package gatewaytest provides in-memory gateways for orchestrator tests.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/vdavid/mailcore/internal/gateway"
	"github.com/vdavid/mailcore/internal/models"
)

// Fake is a scriptable gateway that counts every call.
type Fake struct {
	Kind models.ProviderKind

	// FetchFunc answers FetchMessages. Nil returns an empty result.
	FetchFunc func(ctx context.Context, account *models.Account, checkpoint string) (*gateway.FetchResult, error)
	// ConnectDelay slows Connect down so concurrent callers pile up.
	ConnectDelay time.Duration
	ConnectErr   error
	// VerifyFunc answers Verify. Nil succeeds.
	VerifyFunc func(ctx context.Context) error
	// SendFunc answers SendMessage. Nil accepts and returns "sent-<n>".
	SendFunc func(ctx context.Context, msg *models.OutboundMessage) (string, error)

	Fetches  atomic.Int32
	Connects atomic.Int32
	Verifies atomic.Int32
	Sends    atomic.Int32
	Closes   atomic.Int32

	mu   sync.Mutex
	sent []*models.OutboundMessage
}

var _ gateway.Gateway = (*Fake)(nil)

// NewFake returns a fake serving kind.
func NewFake(kind models.ProviderKind) *Fake {
	return &Fake{Kind: kind}
}

func (f *Fake) Provider() models.ProviderKind { return f.Kind }

func (f *Fake) FetchMessages(ctx context.Context, account *models.Account, checkpoint string) (*gateway.FetchResult, error) {
	f.Fetches.Add(1)
	if f.FetchFunc == nil {
		return &gateway.FetchResult{Checkpoint: checkpoint}, nil
	}
	return f.FetchFunc(ctx, account, checkpoint)
}

func (f *Fake) Connect(ctx context.Context, _ *models.Account) (gateway.Connection, error) {
	f.Connects.Add(1)
	if f.ConnectDelay > 0 {
		select {
		case <-time.After(f.ConnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.ConnectErr != nil {
		return nil, f.ConnectErr
	}
	return &fakeConnection{fake: f}, nil
}

// Sent returns the messages accepted so far.
func (f *Fake) Sent() []*models.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.OutboundMessage(nil), f.sent...)
}

type fakeConnection struct {
	fake   *Fake
	closed atomic.Bool
}

func (c *fakeConnection) Verify(ctx context.Context) error {
	c.fake.Verifies.Add(1)
	if c.fake.VerifyFunc != nil {
		return c.fake.VerifyFunc(ctx)
	}
	return nil
}

func (c *fakeConnection) SendMessage(ctx context.Context, msg *models.OutboundMessage) (string, error) {
	n := c.fake.Sends.Add(1)
	if c.closed.Load() {
		return "", errors.New("connection closed")
	}
	if c.fake.SendFunc != nil {
		id, err := c.fake.SendFunc(ctx, msg)
		if err != nil {
			return "", err
		}
		c.fake.record(msg)
		return id, nil
	}
	c.fake.record(msg)
	return fmt.Sprintf("sent-%d", n), nil
}

func (c *fakeConnection) Close() error {
	c.closed.Store(true)
	c.fake.Closes.Add(1)
	return nil
}

func (f *Fake) record(msg *models.OutboundMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *msg
	f.sent = append(f.sent, &cp)
}

// MockConnection is a testify mock of gateway.Connection.
type MockConnection struct {
	mock.Mock
}

var _ gateway.Connection = (*MockConnection)(nil)

func (m *MockConnection) Verify(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockConnection) SendMessage(ctx context.Context, msg *models.OutboundMessage) (string, error) {
	args := m.Called(ctx, msg)
	return args.String(0), args.Error(1)
}

func (m *MockConnection) Close() error {
	return m.Called().Error(0)
}

// MockGateway is a testify mock of gateway.Gateway.
type MockGateway struct {
	mock.Mock
	Kind models.ProviderKind
}

var _ gateway.Gateway = (*MockGateway)(nil)

func (m *MockGateway) Provider() models.ProviderKind { return m.Kind }

func (m *MockGateway) FetchMessages(ctx context.Context, account *models.Account, checkpoint string) (*gateway.FetchResult, error) {
	args := m.Called(ctx, account, checkpoint)
	res, _ := args.Get(0).(*gateway.FetchResult)
	return res, args.Error(1)
}

func (m *MockGateway) Connect(ctx context.Context, account *models.Account) (gateway.Connection, error) {
	args := m.Called(ctx, account)
	conn, _ := args.Get(0).(gateway.Connection)
	return conn, args.Error(1)
}
