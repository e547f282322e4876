package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type onlineRecorder struct {
	mu   sync.Mutex
	last *bool
}

func (r *onlineRecorder) RecordOnline(online bool) {
	r.mu.Lock()
	r.last = &online
	r.mu.Unlock()
}

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no connectivity event")
		return Event{}
	}
}

func assertNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestMonitor_CheckPublishesTransitionsOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rec := &onlineRecorder{}
	m := NewMonitor(srv.URL, time.Minute, WithRecorder(rec))
	assert.False(t, m.Online(), "monitor starts offline until probed")

	ch, unsub := m.Subscribe()
	defer unsub()

	ctx := context.Background()
	require.True(t, m.Check(ctx))
	assert.True(t, receive(t, ch).Online)

	// Same state again: no event.
	require.True(t, m.Check(ctx))
	assertNoEvent(t, ch)

	srv.Close()

	require.False(t, m.Check(ctx))
	assert.False(t, receive(t, ch).Online)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.NotNil(t, rec.last)
	assert.False(t, *rec.last)
}

func TestMonitor_ServerErrorCountsAsOnline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	assert.True(t, NewMonitor(srv.URL, time.Minute).Check(context.Background()))
}

func TestMonitor_SetPinsState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewMonitor(srv.URL, time.Minute)
	ctx := context.Background()
	require.True(t, m.Check(ctx))

	m.Set(false)
	assert.True(t, m.Pinned())
	assert.False(t, m.Check(ctx), "probe must not override a pinned state")
	assert.False(t, m.Online())

	m.Unpin()
	assert.True(t, m.Check(ctx))
}

func TestMonitor_EmptyProbeURLIsOnline(t *testing.T) {
	m := NewMonitor("", time.Minute)
	assert.True(t, m.Online())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMonitor_RunProbesImmediately(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewMonitor(srv.URL, time.Hour)
	ch, unsub := m.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	assert.True(t, receive(t, ch).Online)
}

func TestStatic_SetAndUnsubscribe(t *testing.T) {
	s := NewStatic(false)
	ch, unsub := s.Subscribe()

	s.Set(true)
	assert.True(t, receive(t, ch).Online)
	s.Set(true)
	assertNoEvent(t, ch)

	unsub()
	unsub()
	_, open := <-ch
	assert.False(t, open, "unsubscribe closes the channel")

	s.Set(false)
	assert.False(t, s.Online())
}
