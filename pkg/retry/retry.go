// Package retry is the bounded exponential backoff shared by the network join
// and the agent download.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
)

const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = time.Second
	DefaultMultiplier   = 2.0
)

// Operation is one attempt, numbered from 1
type Operation func(ctx context.Context, attempt int) error

// Observer is told about every failed attempt, e.g. to count retries
type Observer func(attempt int, err error)

// Policy describes how many attempts to make and how long to sleep after
// each failure. The first attempt is immediate; after failure n the policy
// sleeps InitialDelay * Multiplier^(n-1). The sleep after the last failure is
// still taken, so a caller that exits on exhaustion never reconnects at once,
// but no further attempt follows it.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64

	// Timer drives the sleeps; nil uses a real timer
	Timer backoff.Timer
	// Observer, when set, is called on every failed attempt
	Observer Observer
}

// DefaultPolicy makes 5 attempts, backing off 1s, 2s, 4s, 8s and 16s
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultMultiplier,
	}
}

// Permanent marks an error that must not be retried
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Delays lists the sleeps the policy would perform if every attempt failed
func (p Policy) Delays() []time.Duration {
	b := p.backOff(context.Background())
	b.Reset()
	var delays []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return delays
		}
		delays = append(delays, d)
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.InitialDelay * time.Duration(1<<uint(maxInt(p.MaxAttempts, 1)))
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxInt(p.MaxAttempts, 0))), ctx)
}

// Do runs op until it succeeds, returns a permanent error, attempts run out
// or ctx is done. It returns the number of attempts made and the last error.
func (p Policy) Do(ctx context.Context, name string, op Operation, logger logging.Logger) (int, error) {
	if p.MaxAttempts <= 0 {
		return 0, errors.NewValidationError("retry policy needs at least one attempt", nil).WithContext("operation", name)
	}
	if p.InitialDelay <= 0 || p.Multiplier < 1 {
		return 0, errors.NewValidationError("retry policy delay must be positive and non-shrinking", nil).WithContext("operation", name)
	}

	attempt, notified := 0, 0
	var last error
	operation := func() error {
		if attempt >= p.MaxAttempts {
			// the backoff after the last failure has elapsed
			return backoff.Permanent(last)
		}
		attempt++
		last = op(ctx, attempt)
		return last
	}
	notify := func(err error, next time.Duration) {
		notified = attempt
		msg := "attempt failed, retrying"
		if attempt >= p.MaxAttempts {
			msg = "final attempt failed, backing off"
		}
		fields := append(logging.Attempt(attempt, p.MaxAttempts),
			logging.String("operation", name),
			logging.Duration("next_delay", next),
			logging.Error(err))
		logger.LogWithFields(logging.WarnLevel, msg, fields...)
		if p.Observer != nil {
			p.Observer(attempt, err)
		}
	}

	err := backoff.RetryNotifyWithTimer(operation, p.backOff(ctx), notify, p.Timer)
	if err != nil {
		// permanent errors and cancellation skip notify
		if p.Observer != nil && notified < attempt && ctx.Err() == nil {
			p.Observer(attempt, err)
		}
		fields := append(logging.Attempt(attempt, p.MaxAttempts),
			logging.String("operation", name),
			logging.Error(err))
		logger.LogWithFields(logging.ErrorLevel, "operation failed", fields...)
	}
	return attempt, err
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
