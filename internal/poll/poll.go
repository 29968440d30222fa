// Package poll implements a fixed-interval, optionally bounded wait for a
// condition. Readiness probing, reconnect loops and "wait until connected"
// all run on it.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when MaxAttempts checks all failed.
var ErrExhausted = errors.New("condition not met")

// Options configures Until.
type Options struct {
	Interval    time.Duration // fixed delay between attempts (default 1s)
	MaxAttempts int           // 0 means unbounded
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Condition reports nil when satisfied. Any other error means "not yet"
// unless wrapped with Abort.
type Condition func(ctx context.Context, attempt int) error

// Abort marks err as final; Until returns it without further attempts.
func Abort(err error) error { return backoff.Permanent(err) }

// Until runs cond immediately and then every Interval until it returns nil,
// MaxAttempts is reached, or ctx is done.
func Until(ctx context.Context, opts Options, cond Condition) error {
	interval := opts.Interval
	if interval <= 0 {
		interval = time.Second
	}
	var b backoff.BackOff = backoff.NewConstantBackOff(interval)
	if opts.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(opts.MaxAttempts-1))
	}

	attempt := 0
	var last error
	op := func() error {
		attempt++
		err := cond(ctx, attempt)
		if err != nil {
			last = err
		}
		return err
	}
	notify := func(err error, _ time.Duration) {
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var perm *backoff.PermanentError
	if errors.As(last, &perm) {
		return err
	}
	if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
		return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempt, last)
	}
	return err
}
