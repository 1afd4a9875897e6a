// Package connectivity reports whether the Trip API is reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Prober checks reachability once. A nil error means online.
type Prober interface {
	Probe(ctx context.Context) error
}

type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Monitor probes on demand and on a fixed interval while Run is active.
// Subscribers are called on every observed change, including the first
// observation.
type Monitor struct {
	Prober   Prober
	Interval time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	mu     sync.Mutex
	known  bool
	online bool
	subs   map[int]func(bool)
	nextID int
}

func NewMonitor(prober Prober, interval time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{Prober: prober, Interval: interval, Logger: logger}
}

func (m *Monitor) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// IsOnline runs a probe and reports the result. A failed probe is an
// offline answer, not an error; the error is only set when ctx ended before
// an answer was available.
func (m *Monitor) IsOnline(ctx context.Context) (bool, error) {
	err := m.probe(ctx)
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		m.logger().Debug("connectivity_probe_failed", slog.Any("err", err))
	}
	m.update(err == nil)
	return err == nil, nil
}

// Last returns the most recent observation without probing. known is false
// before the first probe.
func (m *Monitor) Last() (online, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.known
}

// Subscribe registers fn for state changes and returns a cancel func.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	if m.subs == nil {
		m.subs = make(map[int]func(bool))
	}
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Run probes immediately and then every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	_, _ = m.IsOnline(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = m.IsOnline(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	if m.Prober == nil {
		return nil
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.Prober.Probe(ctx)
}

func (m *Monitor) update(online bool) {
	m.mu.Lock()
	changed := !m.known || m.online != online
	m.known = true
	m.online = online
	var subs []func(bool)
	if changed {
		// Snapshot in id order so callbacks run outside the lock.
		for id := 0; id < m.nextID; id++ {
			if fn, ok := m.subs[id]; ok {
				subs = append(subs, fn)
			}
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger().Info("connectivity_changed", slog.Bool("online", online))
	for _, fn := range subs {
		fn(online)
	}
}

// Static is a monitor with a fixed answer, used when probing is disabled.
type Static bool

func (s Static) IsOnline(context.Context) (bool, error) { return bool(s), nil }

func (Static) Subscribe(func(bool)) func() { return func() {} }
