package monitoring

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/core-tools/hsu-podpilot/pkg/errors"
	"github.com/core-tools/hsu-podpilot/pkg/logging"
)

// Check is a single readiness probe. A nil return means ready.
type Check func(ctx context.Context) error

// PollOptions bounds a readiness wait
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int

	// AttemptTimeout bounds each check; zero means Interval
	AttemptTimeout time.Duration

	// Abort, when closed, ends the wait early. Used to stop waiting on a
	// process that has already exited.
	Abort <-chan struct{}
}

// PollResult describes how a readiness wait ended
type PollResult struct {
	Attempts int
	Elapsed  time.Duration
	LastErr  error
	Aborted  bool
}

// Budget is the nominal wall-clock bound of the wait
func (o PollOptions) Budget() time.Duration {
	return o.Interval * time.Duration(o.MaxAttempts)
}

// Context keys attached to readiness errors
const (
	ContextKeyAttempts  = "attempts"
	ContextKeyElapsedMs = "elapsed_ms"
	ContextKeyBudgetMs  = "budget_ms"
	ContextKeyLastError = "last_error"
)

// ValidatePollOptions rejects options that would never finish or never check
func ValidatePollOptions(opts PollOptions) error {
	if opts.Interval <= 0 {
		return errors.NewValidationError("poll interval must be positive", nil)
	}
	if opts.MaxAttempts <= 0 {
		return errors.NewValidationError("max attempts must be positive", nil)
	}
	if opts.AttemptTimeout < 0 {
		return errors.NewValidationError("attempt timeout cannot be negative", nil)
	}
	return nil
}

// Poll runs check immediately and then once per interval until it succeeds,
// MaxAttempts checks have failed, Abort is closed or ctx is done. On
// exhaustion it returns a timeout error carrying attempts, elapsed time,
// budget and the last failure.
func Poll(ctx context.Context, id string, opts PollOptions, check Check, logger logging.Logger) (PollResult, error) {
	if err := ValidatePollOptions(opts); err != nil {
		return PollResult{}, err
	}
	attemptTimeout := opts.AttemptTimeout
	if attemptTimeout == 0 {
		attemptTimeout = opts.Interval
	}

	start := time.Now()
	var result PollResult

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		result.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := check(attemptCtx)
		cancel()
		result.Elapsed = time.Since(start)

		if err == nil {
			logger.Debugf("Readiness reached, id: %s, attempts: %d, elapsed: %v", id, result.Attempts, result.Elapsed)
			return result, nil
		}
		result.LastErr = err
		logger.Debugf("Readiness check failed, id: %s, attempt: %d/%d, error: %v", id, result.Attempts, opts.MaxAttempts, err)

		if result.Attempts >= opts.MaxAttempts {
			return result, exhaustedError(id, opts, result)
		}

		select {
		case <-ticker.C:
		case <-opts.Abort:
			result.Aborted = true
			result.Elapsed = time.Since(start)
			return result, errors.NewCancelledError("readiness wait aborted", err).
				WithContext("id", id).
				WithContext(ContextKeyAttempts, result.Attempts)
		case <-ctx.Done():
			result.Elapsed = time.Since(start)
			return result, errors.NewCancelledError("readiness wait cancelled", ctx.Err()).
				WithContext("id", id).
				WithContext(ContextKeyAttempts, result.Attempts)
		}
	}
}

func exhaustedError(id string, opts PollOptions, result PollResult) *errors.DomainError {
	return errors.NewTimeoutError("readiness not reached within budget", result.LastErr).
		WithContext("id", id).
		WithContext(ContextKeyAttempts, result.Attempts).
		WithContext(ContextKeyElapsedMs, result.Elapsed.Milliseconds()).
		WithContext(ContextKeyBudgetMs, opts.Budget().Milliseconds()).
		WithContext(ContextKeyLastError, fmt.Sprint(result.LastErr))
}

// TCPCheck succeeds once a TCP connection to address can be established
func TCPCheck(address string) Check {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("TCP connection to %s failed: %w", address, err)
		}
		conn.Close()
		return nil
	}
}

// LocalPortCheck probes 127.0.0.1:port
func LocalPortCheck(port int) Check {
	return TCPCheck(net.JoinHostPort("127.0.0.1", fmt.Sprint(port)))
}
