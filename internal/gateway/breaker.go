package gateway

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// clientError wraps failures caused by the request itself. They pass through
// the breaker without counting against the provider.
type clientError struct {
	err error
}

func (e *clientError) Error() string { return e.err.Error() }
func (e *clientError) Unwrap() error { return e.err }

func newBreaker(name string, log logrus.FieldLogger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			var ce *clientError
			return err == nil || errors.As(err, &ce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("Circuit breaker changed state")
		},
	})
}

// execute runs fn through cb. isClientError decides which failures must not
// trip the breaker.
func execute(cb *gobreaker.CircuitBreaker, isClientError func(error) bool, fn func() error) error {
	_, err := cb.Execute(func() (any, error) {
		if err := fn(); err != nil {
			if isClientError(err) {
				return nil, &clientError{err: err}
			}
			return nil, err
		}
		return nil, nil
	})

	var ce *clientError
	if errors.As(err, &ce) {
		return ce.err
	}
	return err
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
