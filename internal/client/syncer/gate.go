package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tripmark/tripsync/internal/logging"
)

// Gate owns the single sync worker. All triggers — periodic timer, local
// mutations, connectivity recovery, explicit user request — funnel into one
// coalesced wake signal, so concurrent triggers produce one run, never
// parallel runs.
type Gate struct {
	engine   *Engine
	interval time.Duration
	log      logging.Logger

	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	waiters []chan error
	started bool
	cancel  context.CancelFunc
}

// ErrStopped is returned to SyncNow callers when the gate shuts down before
// their round runs.
var ErrStopped = errors.New("sync gate stopped")

func NewGate(e *Engine, interval time.Duration, log logging.Logger) *Gate {
	return &Gate{
		engine:   e,
		interval: interval,
		log:      log,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. Calling Start twice is a programming error.
func (g *Gate) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		panic("syncer: gate started twice")
	}
	g.started = true

	ctx, g.cancel = context.WithCancel(ctx)
	go g.run(ctx)
}

// Stop cancels the worker and waits for the in-progress round, if any, to
// finish. Reconciliation of an already-accepted request is not interrupted.
func (g *Gate) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Nudge requests a sync soon. Safe from any goroutine; never blocks.
func (g *Gate) Nudge() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// SyncNow triggers a sync and waits for the next full run to finish,
// returning its error. A run already in progress does not count: the caller
// is guaranteed a run that starts at or after this call.
func (g *Gate) SyncNow(ctx context.Context) error {
	ch := make(chan error, 1)
	g.mu.Lock()
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()
	g.Nudge()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return ErrStopped
	}
}

// WakeOnline forwards connectivity transitions into wake signals, so a
// device coming back online syncs immediately instead of waiting out the
// periodic interval. Runs until ch closes or ctx is cancelled.
func (g *Gate) WakeOnline(ctx context.Context, ch <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			if online {
				g.Nudge()
			}
		}
	}
}

func (g *Gate) run(ctx context.Context) {
	defer close(g.done)

	t := time.NewTicker(g.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			g.failWaiters(ErrStopped)
			return
		case <-g.wake:
		case <-t.C:
		}

		// Snapshot waiters before running: anyone registering during the
		// run re-nudges and is served by the next iteration.
		g.mu.Lock()
		waiters := g.waiters
		g.waiters = nil
		g.mu.Unlock()

		err := g.engine.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.log.Warn(ctx, "sync run failed", "error", err)
		}
		for _, w := range waiters {
			w <- err
		}
	}
}

func (g *Gate) failWaiters(err error) {
	g.mu.Lock()
	waiters := g.waiters
	g.waiters = nil
	g.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}
