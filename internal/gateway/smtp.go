package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/models"
)

const smtpProvider = string(models.ProviderSMTP)

// smtpConnection is one authenticated SMTP session. go-smtp clients are not
// safe for concurrent use, so every command holds mu.
type smtpConnection struct {
	mu     sync.Mutex
	client *smtp.Client
	from   string
	now    func() time.Time
}

// dialSMTP opens an SMTP session: implicit TLS on port 465, STARTTLS
// otherwise, plain text when insecure is set.
func dialSMTP(ctx context.Context, addr string, insecure bool, username, password string) (*smtp.Client, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, mailerr.Rejected(smtpProvider, "dial", fmt.Errorf("invalid SMTP address %q: %w", addr, err), true)
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, mailerr.Unavailable(smtpProvider, "dial", err, true)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	tlsConfig := &tls.Config{ServerName: host}
	var c *smtp.Client
	switch {
	case insecure:
		c = smtp.NewClient(conn)
	case port == "465":
		c = smtp.NewClient(tls.Client(conn, tlsConfig))
	default:
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			_ = conn.Close()
			return nil, classifySMTPError("starttls", err)
		}
	}

	if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		_ = c.Close()
		return nil, classifySMTPError("auth", err)
	}

	// Per-command deadlines are set again on each send.
	_ = conn.SetDeadline(time.Time{})
	return c, nil
}

func (c *smtpConnection) Verify(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	// go-smtp only knows its own CommandTimeout; closing the session is the
	// way to cut a stalled NOOP short.
	stop := context.AfterFunc(ctx, func() { _ = c.client.Close() })
	defer stop()

	if err := c.client.Noop(); err != nil {
		if ctx.Err() != nil {
			return mailerr.Unavailable(smtpProvider, "noop", ctx.Err(), true)
		}
		return classifySMTPError("noop", err)
	}
	return nil
}

func (c *smtpConnection) SendMessage(ctx context.Context, msg *models.OutboundMessage) (string, error) {
	rcpts := msg.Recipients()
	if len(rcpts) == 0 {
		return "", mailerr.Rejected(smtpProvider, "send", errors.New("no recipients"), false)
	}
	if msg.MessageIDHeader == "" {
		withID := *msg
		withID.MessageIDHeader = NewMessageID(msg.FromAddress)
		msg = &withID
	}

	raw, err := BuildMIME(msg, c.now())
	if err != nil {
		return "", mailerr.Rejected(smtpProvider, "send", err, false)
	}

	envelope := make([]string, 0, len(rcpts))
	for _, r := range rcpts {
		envelope = append(envelope, models.AddressOf(r))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	stop := context.AfterFunc(ctx, func() { _ = c.client.Close() })
	defer stop()

	if err := c.client.SendMail(models.AddressOf(c.from), envelope, bytes.NewReader(raw)); err != nil {
		// Leave the session ready for the next message.
		_ = c.client.Reset()
		if ctx.Err() != nil {
			return "", mailerr.Unavailable(smtpProvider, "send", ctx.Err(), true)
		}
		return "", classifySMTPError("send", err)
	}

	return msg.MessageIDHeader, nil
}

func (c *smtpConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.Quit(); err != nil {
		return c.client.Close()
	}
	return nil
}

// classifySMTPError maps SMTP replies onto the error taxonomy: 5xx is a
// permanent rejection, anything else (4xx, network) is transient and
// poisons the session.
func classifySMTPError(op string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		if smtpErr.Code >= 500 {
			// 530/535 mean the credentials themselves were refused.
			authFailure := smtpErr.Code == 530 || smtpErr.Code == 535
			return mailerr.Rejected(smtpProvider, op, err, authFailure)
		}
		return mailerr.Unavailable(smtpProvider, op, err, true)
	}
	return mailerr.Unavailable(smtpProvider, op, err, true)
}
