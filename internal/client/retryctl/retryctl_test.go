package retryctl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/logging"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

func newController(cfg Config) (*Controller, *[]time.Duration) {
	c := New(cfg, nopLogger{})
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{common.ErrNetwork, true},
		{common.ErrServer, true},
		{common.ErrRateLimited, true},
		{&common.RateLimitedError{RetryAfter: time.Minute}, true},
		{fmt.Errorf("push: %w", common.ErrNetwork), true},
		{common.ErrValidation, false},
		{common.ErrAuth, false},
		{common.ErrVersionConflict, false},
		{errors.New("unclassified"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Retryable(tt.err), "error %v", tt.err)
	}
}

func TestDo_SucceedsWithoutDelay(t *testing.T) {
	c, delays := newController(DefaultConfig())
	calls := 0
	err := c.Do(context.Background(), "push", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDo_BackoffGrowsExponentiallyWithJitter(t *testing.T) {
	c, delays := newController(DefaultConfig())
	calls := 0
	err := c.Do(context.Background(), "push", func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return common.ErrNetwork
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, *delays, 3)

	// ±20% jitter around 1s, 2s, 4s.
	assert.InDelta(t, time.Second, (*delays)[0], float64(200*time.Millisecond))
	assert.InDelta(t, 2*time.Second, (*delays)[1], float64(400*time.Millisecond))
	assert.InDelta(t, 4*time.Second, (*delays)[2], float64(800*time.Millisecond))
}

func TestDo_TerminalErrorStopsImmediately(t *testing.T) {
	c, delays := newController(DefaultConfig())
	calls := 0
	err := c.Do(context.Background(), "push", func(ctx context.Context) error {
		calls++
		return common.ErrValidation
	})
	require.ErrorIs(t, err, common.ErrValidation)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestDo_AttemptBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	c, delays := newController(cfg)

	calls := 0
	err := c.Do(context.Background(), "push", func(ctx context.Context) error {
		calls++
		return common.ErrServer
	})
	require.ErrorIs(t, err, common.ErrServer)
	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
}

func TestDo_HonorsRetryAfterHint(t *testing.T) {
	c, delays := newController(DefaultConfig())
	calls := 0
	err := c.Do(context.Background(), "push", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &common.RateLimitedError{RetryAfter: 30 * time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, *delays, 1)
	assert.Equal(t, 30*time.Second, (*delays)[0], "server hint overrides the computed delay")
}

func TestDo_DelayCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 12
	c, delays := newController(cfg)

	calls := 0
	_ = c.Do(context.Background(), "push", func(ctx context.Context) error {
		calls++
		return common.ErrNetwork
	})
	require.NotEmpty(t, *delays)
	for _, d := range *delays {
		assert.LessOrEqual(t, d, cfg.MaxInterval)
	}
}

func TestDo_ContextCancelledDuringSleep(t *testing.T) {
	c := New(DefaultConfig(), nopLogger{})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Do(ctx, "push", func(ctx context.Context) error {
			calls++
			return common.ErrNetwork
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	assert.Equal(t, 1, calls)
}
