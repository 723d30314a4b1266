package netx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripmark/tripsync/internal/logging"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

func TestHTTPProber(t *testing.T) {
	t.Run("200 -> reachable", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer ts.Close()

		p := NewHTTPProber(ts.URL+"/healthz", time.Second)
		assert.True(t, p.Probe(context.Background()))
	})

	t.Run("500 still counts as reachable", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer ts.Close()

		p := NewHTTPProber(ts.URL+"/healthz", time.Second)
		assert.True(t, p.Probe(context.Background()))
	})

	t.Run("connection refused -> unreachable", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		ts.Close()

		p := NewHTTPProber(ts.URL+"/healthz", time.Second)
		assert.False(t, p.Probe(context.Background()))
	})
}

type fakeProber struct{ ch chan bool }

func (f *fakeProber) Probe(ctx context.Context) bool {
	select {
	case v := <-f.ch:
		return v
	case <-ctx.Done():
		return false
	}
}

func TestMonitor_PublishesTransitions(t *testing.T) {
	fp := &fakeProber{ch: make(chan bool, 8)}
	m := NewMonitor(fp, 5*time.Millisecond, nopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// offline -> online.
	fp.ch <- true
	select {
	case v := <-m.Changes():
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("no transition published")
	}
	assert.True(t, m.Online())

	// Staying online publishes nothing.
	fp.ch <- true
	select {
	case <-m.Changes():
		t.Fatal("unexpected transition for unchanged state")
	case <-time.After(50 * time.Millisecond):
	}

	// online -> offline.
	fp.ch <- false
	select {
	case v := <-m.Changes():
		assert.False(t, v)
	case <-time.After(time.Second):
		t.Fatal("no transition published")
	}
	require.False(t, m.Online())
}
