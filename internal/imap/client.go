// Package imap wraps the go-imap client with the few operations the IMAP
// gateway needs: dialing, incremental UID fetches, THREAD and IDLE.
package imap

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap/client"
)

// DialTimeout bounds the TCP and TLS handshake.
const DialTimeout = 5 * time.Second

// ConnectToIMAP connects to the IMAP server with a 5-second timeout.
// useTLS: true for production (TLS), false for tests (non-TLS).
func ConnectToIMAP(server string, useTLS bool) (*client.Client, error) {
	dialer := &net.Dialer{
		Timeout: DialTimeout,
	}

	if useTLS {
		c, err := client.DialWithDialerTLS(dialer, server, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial with TLS: %w", err)
		}
		return c, nil
	}

	// Non-TLS connection for testing
	c, err := client.DialWithDialer(dialer, server)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return c, nil
}

// Login authenticates with the IMAP server.
func Login(c *client.Client, username, password string) error {
	if err := c.Login(username, password); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	return nil
}

// Connect dials and logs in. The session is logged out again if ctx ends
// before both steps finish; go-imap v1 has no native context support.
func Connect(ctx context.Context, server string, useTLS bool, username, password string) (*client.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		c   *client.Client
		err error
	}
	done := make(chan result, 1)

	go func() {
		c, err := ConnectToIMAP(server, useTLS)
		if err == nil {
			if err = Login(c, username, password); err != nil {
				_ = c.Logout()
				c = nil
			}
		}
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		return r.c, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.c != nil {
				_ = r.c.Logout()
			}
		}()
		return nil, ctx.Err()
	}
}
