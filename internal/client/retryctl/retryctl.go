// Package retryctl drives retry and backoff for sync rounds. It classifies
// failures into retryable and terminal classes and runs an operation until
// it succeeds, exhausts its attempt budget, or hits a terminal error.
package retryctl

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/logging"
)

// Config bounds the backoff schedule.
type Config struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps the exponential growth.
	MaxInterval time.Duration

	// JitterPercent randomizes each delay by ±N% so devices recovering from
	// the same outage do not retry in lockstep.
	JitterPercent uint64

	// MaxAttempts is the total number of tries, the initial one included.
	// Zero means unbounded.
	MaxAttempts int
}

// DefaultConfig returns the standard schedule: 1s initial delay doubling up
// to a 5 minute ceiling, ±20% jitter, at most 8 tries per wake-up.
func DefaultConfig() Config {
	return Config{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Minute,
		JitterPercent:   20,
		MaxAttempts:     8,
	}
}

// Retryable reports whether the error class warrants another attempt.
// Network failures, server-side failures, and rate limiting are transient;
// validation and authentication failures will not improve by repeating the
// same request.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, common.ErrNetwork),
		errors.Is(err, common.ErrServer),
		errors.Is(err, common.ErrRateLimited):
		return true
	}
	return false
}

// Controller runs operations with exponential backoff.
type Controller struct {
	cfg Config
	log logging.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log logging.Logger) *Controller {
	return &Controller{cfg: cfg, log: log, sleep: sleepCtx}
}

// backoff returns a fresh schedule with the controller's bounds. Each call
// starts a new schedule: a successful round resets the delay sequence.
func (c *Controller) backoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.InitialInterval)
	if c.cfg.JitterPercent > 0 {
		b = retry.WithJitterPercent(c.cfg.JitterPercent, b)
	}
	b = retry.WithCappedDuration(c.cfg.MaxInterval, b)
	return b
}

// Do runs fn until it succeeds, returns a terminal error, the attempt budget
// runs out, or ctx is cancelled. A server-provided Retry-After hint
// overrides the computed delay for that step when it is longer.
//
// The schedule is driven manually rather than through retry.Do because the
// per-attempt delay can be stretched by Retry-After, which the library's
// loop has no hook for.
func (c *Controller) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	b := c.backoff()
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if c.cfg.MaxAttempts > 0 && attempt >= c.cfg.MaxAttempts {
			c.log.Warn(ctx, "giving up after repeated failures",
				"op", name, "attempts", attempt, "error", err)
			return err
		}

		delay, stop := b.Next()
		if stop {
			return err
		}
		if hint := common.RetryAfterHint(err); hint > delay {
			delay = hint
		}

		c.log.Debug(ctx, "retrying after failure",
			"op", name, "attempt", attempt, "delay", delay, "error", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
