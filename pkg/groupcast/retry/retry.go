// Package retry provides the bounded retry-with-backoff primitive shared by
// agent warm-up and delivery dispatch.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned by Until when the condition never became true.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. A Multiplier of 1 (or less) gives a constant delay.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int `yaml:"attempts"`

	// Initial is the delay before the second attempt.
	Initial time.Duration `yaml:"initial"`

	// Max caps the delay between attempts. Zero means no cap.
	Max time.Duration `yaml:"max"`

	// Multiplier grows the delay after every failed attempt.
	Multiplier float64 `yaml:"multiplier"`
}

// Constant returns a fixed-delay policy.
func Constant(attempts int, interval time.Duration) Policy {
	return Policy{Attempts: attempts, Initial: interval, Multiplier: 1}
}

// Exponential returns a doubling policy capped at max.
func Exponential(attempts int, initial, max time.Duration) Policy {
	return Policy{Attempts: attempts, Initial: initial, Max: max, Multiplier: 2}
}

// Permanent wraps err so Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// delays returns an unbounded backoff producing the wait between attempts.
func (p Policy) delays() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Initial)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.Initial
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	if p.Max > 0 {
		exp.MaxInterval = p.Max
	}
	exp.Reset()
	return exp
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	// WithMaxRetries counts retries, not tries.
	return backoff.WithContext(backoff.WithMaxRetries(p.delays(), uint64(p.attempts()-1)), ctx)
}

// Do runs op until it succeeds, returns a Permanent error, the policy runs out
// of attempts or ctx is done. The last error is returned.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op(ctx)
	}, p.backOff(ctx))
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// Until polls cond following the policy. The first check happens after the
// initial delay, so callers that just kicked off work give it time to settle.
func Until(ctx context.Context, p Policy, cond func(ctx context.Context) bool) error {
	b := p.delays()
	for i := 0; i < p.attempts(); i++ {
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if cond(ctx) {
			return nil
		}
	}
	return ErrExhausted
}
