// Package keepalive watches the health of the engine's host while a run is
// active and declares it dead after too many consecutive failures.
package keepalive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultInterval is the probe period.
	DefaultInterval = 20 * time.Second
	// DefaultThreshold is the number of consecutive failures tolerated.
	DefaultThreshold = 30
)

// Monitor counts consecutive failures reported by Record or by its own Probe.
// OnDead fires once when the count reaches Threshold; Reset re-arms it.
type Monitor struct {
	Interval  time.Duration
	Threshold int
	// Probe is called every Interval while Active reports true.
	Probe func(ctx context.Context) error
	// Active gates probing. Nil means always active.
	Active func() bool
	// OnDead receives the last failure.
	OnDead func(err error)
	Logger *zap.Logger

	mu       sync.Mutex
	failures int
	dead     bool
}

// Run probes until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Active != nil && !m.Active() {
				continue
			}
			if m.Probe == nil {
				continue
			}
			err := m.Probe(ctx)
			if ctx.Err() != nil {
				return
			}
			m.Record(err)
		}
	}
}

// Record feeds one observation. A nil error resets the failure count.
func (m *Monitor) Record(err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if err == nil {
		m.failures = 0
		m.mu.Unlock()
		return
	}
	m.failures++
	failures := m.failures
	threshold := m.threshold()
	fire := failures >= threshold && !m.dead
	if fire {
		m.dead = true
	}
	m.mu.Unlock()

	m.logger().Warn("keepalive failure",
		zap.Int("consecutive", failures),
		zap.Int("threshold", threshold),
		zap.Error(err),
	)
	if fire && m.OnDead != nil {
		m.OnDead(err)
	}
}

// Reset clears the failure count and re-arms OnDead.
func (m *Monitor) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.dead = false
}

// Failures returns the current consecutive failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) threshold() int {
	if m.Threshold <= 0 {
		return DefaultThreshold
	}
	return m.Threshold
}

func (m *Monitor) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}
