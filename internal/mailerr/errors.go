// Package mailerr defines the error taxonomy shared by gateways and orchestrators.
// Callers match with errors.Is against the sentinels and errors.As against the
// typed errors, which carry the details (reset time, deliverability issues).
package mailerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrProviderUnavailable is transient: network failure, throttling, provider outage.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRejected is permanent: the provider refused the content or the credentials.
	ErrProviderRejected = errors.New("provider rejected request")
	// ErrConnectionVerificationFailed means credentials are bad or expired.
	ErrConnectionVerificationFailed = errors.New("connection verification failed")
	ErrRateLimitExceeded            = errors.New("rate limit exceeded")
	ErrDeliverabilityBlocked        = errors.New("blocked by deliverability check")
	ErrInsufficientContent          = errors.New("insufficient message content")
	// ErrDuplicateMessage is not a failure; it signals an already persisted message.
	ErrDuplicateMessage    = errors.New("duplicate message")
	ErrNoAccountConfigured = errors.New("no account configured")
	// ErrTransient marks retryable persistence failures.
	ErrTransient      = errors.New("transient failure")
	ErrInvalidRequest = errors.New("invalid request")
)

// ProviderError describes a failed gateway call.
type ProviderError struct {
	Provider string
	Op       string
	// Kind is ErrProviderUnavailable or ErrProviderRejected.
	Kind error
	Err  error
	// ConnectionFault is set when the failure is attributable to the connection
	// itself (expired token, dropped socket) and a fresh connection may succeed.
	ConnectionFault bool
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Unavailable builds a transient ProviderError.
func Unavailable(provider, op string, err error, connectionFault bool) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Kind: ErrProviderUnavailable, Err: err, ConnectionFault: connectionFault}
}

// Rejected builds a permanent ProviderError.
func Rejected(provider, op string, err error, connectionFault bool) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Kind: ErrProviderRejected, Err: err, ConnectionFault: connectionFault}
}

// RateLimitError is returned when a send would exceed a quota.
type RateLimitError struct {
	ResetAt   time.Time
	Remaining int
	Window    time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// DeliverabilityError carries the score and the issues that blocked a send.
type DeliverabilityError struct {
	Score  int
	Issues []string
}

func (e *DeliverabilityError) Error() string {
	return fmt.Sprintf("deliverability score %d: %s", e.Score, strings.Join(e.Issues, "; "))
}

func (e *DeliverabilityError) Unwrap() error { return ErrDeliverabilityBlocked }

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is worth retrying as-is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsConnectionFault reports whether err says the cached connection should be dropped.
func IsConnectionFault(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.ConnectionFault
}
