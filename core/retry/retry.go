// retry.go - Shared retry logic with exponential backoff.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retry provides a retry policy with capped exponential backoff
// for onion requests and deliveries.
package retry

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultMaxAttempts is one initial attempt plus four retries.
	DefaultMaxAttempts = 5

	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay caps the delay between retries.
	DefaultMaxDelay = 2 * time.Second
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		jitterFactor := 1 - jitter + r.Float64()*2*jitter
		delay *= jitterFactor
	}

	return time.Duration(delay)
}

// Outcome tags how a retried operation finished.
type Outcome int

const (
	// Succeeded means an attempt returned no error.
	Succeeded Outcome = iota

	// Exhausted means every attempt failed with a retryable error.
	Exhausted

	// Aborted means an attempt failed with a non-retryable error, or the
	// context was cancelled while waiting to retry.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result is the tagged result of Do.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
	Outcome  Outcome
}

// Unwrap returns the value and the last error.
func (r Result[T]) Unwrap() (T, error) {
	return r.Value, r.Err
}

// Policy describes how many times, how often and on which errors an
// operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the exponential backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter is the jitter factor (0.0 to 1.0).
	Jitter float64

	// Retryable reports if err warrants another attempt. A nil
	// Retryable retries on IsTransientError.
	Retryable func(err error) bool

	// OnRetry is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy used for onion requests.
func DefaultPolicy(retryable func(error) bool) *Policy {
	return &Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Retryable:   retryable,
	}
}

// Backoff returns the delay after the given zero-based failed attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	return Delay(p.BaseDelay, p.MaxDelay, p.Jitter, attempt)
}

func (p *Policy) retryable(err error) bool {
	if p.Retryable == nil {
		return IsTransientError(err)
	}
	return p.Retryable(err)
}

// Do runs fn until it succeeds, fails with a non-retryable error, runs out
// of attempts or ctx is done.
func Do[T any](ctx context.Context, p *Policy, fn func(ctx context.Context, attempt int) (T, error)) Result[T] {
	var res Result[T]
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		res.Attempts = attempt + 1
		res.Value, res.Err = fn(ctx, attempt)
		if res.Err == nil {
			res.Outcome = Succeeded
			return res
		}
		if !p.retryable(res.Err) {
			res.Outcome = Aborted
			return res
		}
		if attempt == maxAttempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, res.Err, delay)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			res.Outcome = Aborted
			return res
		case <-t.C:
		}
	}

	res.Outcome = Exhausted
	return res
}

// IsTransientError reports whether err looks like a peer that is
// restarting or briefly unreachable. Drivers that flatten their errors
// into strings are matched on the message.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range transientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientMessages {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var (
	transientErrors = []error{
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.EPIPE,
		io.EOF,
		io.ErrUnexpectedEOF,
	}
	transientMessages = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"loading the dataset in memory",
		"the database system is starting up",
	}
)
