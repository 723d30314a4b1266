// Package netx probes server reachability. Reachability is a hint, never a
// gate: sync attempts proceed regardless, and the monitor only exists to
// wake the engine promptly when connectivity comes back instead of waiting
// out a backoff delay.
package netx

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tripmark/tripsync/internal/logging"
)

// Prober reports whether the server currently answers at all.
type Prober interface {
	Probe(ctx context.Context) bool
}

// HTTPProber checks reachability with a GET against the server's health
// endpoint. Any HTTP response counts as reachable, including errors: a 500
// still proves the network path works.
type HTTPProber struct {
	client *http.Client
	url    string
}

func NewHTTPProber(healthURL string, timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		url:    healthURL,
	}
}

func (p *HTTPProber) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Monitor polls a Prober and publishes offline→online transitions. The
// change channel has capacity one and is written non-blocking, so a slow
// consumer sees a coalesced "something changed" signal rather than a
// backlog.
type Monitor struct {
	prober   Prober
	interval time.Duration
	log      logging.Logger

	mu     sync.RWMutex
	online bool

	changes chan bool
}

func NewMonitor(p Prober, interval time.Duration, log logging.Logger) *Monitor {
	return &Monitor{
		prober:   p,
		interval: interval,
		log:      log,
		changes:  make(chan bool, 1),
	}
}

// Online returns the last observed state. Before the first probe completes
// it reports false.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Changes delivers the new state after each transition.
func (m *Monitor) Changes() <-chan bool {
	return m.changes
}

// Run polls until ctx is cancelled. It probes once immediately so callers
// get an initial reading without waiting a full interval.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.check(ctx)
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	now := m.prober.Probe(ctx)

	m.mu.Lock()
	changed := now != m.online
	m.online = now
	m.mu.Unlock()

	if !changed {
		return
	}
	if now {
		m.log.Info(ctx, "server reachable again")
	} else {
		m.log.Warn(ctx, "server unreachable")
	}
	select {
	case m.changes <- now:
	default:
	}
}
