// Package retry provides the bounded retry policy used around storage and
// network operations: a fixed number of attempts with a fixed pause between
// them, retrying only errors the policy's predicate matches. Every retried
// failure is logged at warning level so silent flakiness cannot hide.
package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("retry")

// Policy describes how often and how patiently an operation is retried.
type Policy struct {
	// Attempts is the total number of tries (minimum 1).
	Attempts int
	// Delay is the pause between tries.
	Delay time.Duration
	// Retryable decides whether an error is worth another try. A nil
	// predicate retries every error.
	Retryable func(error) bool
}

// New creates a policy with the given bounds. A nil retryable predicate
// retries every error.
func New(attempts int, delay time.Duration, retryable func(error) bool) *Policy {
	if attempts < 1 {
		attempts = 1
	}
	return &Policy{
		Attempts:  attempts,
		Delay:     delay,
		Retryable: retryable,
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up. The op name only feeds the log lines and the final
// error message.
func (p *Policy) Do(op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}

		lastErr = err
		if i < attempts {
			Logger.Warningf("%s failed (attempt %d/%d), retrying in %v: %v",
				op, i, attempts, p.Delay, err)
			time.Sleep(p.Delay)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %v", op, attempts, lastErr)
}

// MatchText builds a predicate that retries when the error text contains any
// of the given substrings.
func MatchText(substrings ...string) func(error) bool {
	return func(err error) bool {
		if err == nil {
			return false
		}
		text := err.Error()
		for _, s := range substrings {
			if s != "" && strings.Contains(text, s) {
				return true
			}
		}
		return false
	}
}
