package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const maxProbeTimeout = 5 * time.Second

// Monitor probes a URL on an interval. Any HTTP response counts as online;
// a transport error counts as offline. The state can be pinned by an
// operator, in which case probes keep running but are ignored.
type Monitor struct {
	state

	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	pinMu  sync.Mutex
	pinned bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithHTTPClient overrides the probe client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Monitor) { m.recorder = r }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// NewMonitor creates a Monitor. It starts offline until the first probe.
// With an empty probeURL nothing is probed and the monitor reports online.
func NewMonitor(probeURL string, interval time.Duration, opts ...Option) *Monitor {
	timeout := interval
	if timeout <= 0 || timeout > maxProbeTimeout {
		timeout = maxProbeTimeout
	}
	m := &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if probeURL == "" {
		m.online = true
	}
	return m
}

// Run probes immediately and then every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.probeURL == "" || m.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes once and applies the result unless the state is pinned.
// It returns the resulting state.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}

	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	if m.pinned {
		return m.Online()
	}
	if m.set(online) {
		m.logger.Info("connectivity changed", "online", online)
	}
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Warn("invalid connectivity probe url", "url", m.probeURL, "error", err)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
		return false
	}
	resp.Body.Close()
	return true
}

// Set forces the state until Unpin is called.
func (m *Monitor) Set(online bool) {
	m.pinMu.Lock()
	m.pinned = true
	changed := m.set(online)
	m.pinMu.Unlock()

	if changed {
		m.logger.Info("connectivity overridden", "online", online)
	}
}

// Unpin returns control of the state to the probe.
func (m *Monitor) Unpin() {
	m.pinMu.Lock()
	m.pinned = false
	m.pinMu.Unlock()
}

// Pinned reports whether the state is operator-controlled.
func (m *Monitor) Pinned() bool {
	m.pinMu.Lock()
	defer m.pinMu.Unlock()
	return m.pinned
}
