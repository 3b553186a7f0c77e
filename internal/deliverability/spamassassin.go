package deliverability

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/teamwork/spamc"
)

// SpamAssassinTimeout bounds one spamd round trip.
const SpamAssassinTimeout = 20 * time.Second

// SpamChecker scores a rendered RFC 822 message.
type SpamChecker interface {
	Check(ctx context.Context, raw []byte) (score float64, isSpam bool, err error)
}

// SpamAssassin asks a spamd daemon for a score.
type SpamAssassin struct {
	client *spamc.Client
}

// NewSpamAssassin connects to spamd at host and checks that it answers.
func NewSpamAssassin(ctx context.Context, host string) (*SpamAssassin, error) {
	client := spamc.New(host, &net.Dialer{
		Timeout: SpamAssassinTimeout,
	})
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("could not ping SpamAssassin: %w", err)
	}

	return &SpamAssassin{client: client}, nil
}

// Check implements SpamChecker.
func (sa *SpamAssassin) Check(ctx context.Context, raw []byte) (float64, bool, error) {
	out, err := sa.client.Process(ctx, bytes.NewReader(raw), nil)
	if err != nil {
		return 0, false, fmt.Errorf("could not check SpamAssassin: %w", err)
	}

	if err := out.Message.Close(); err != nil {
		return 0, false, fmt.Errorf("could not close response: %w", err)
	}

	return out.Score, out.IsSpam, nil
}
