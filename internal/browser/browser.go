// Package browser holds what the execution-context managers share: the
// extraction hook they call into and the pacing applied before opening
// contexts or navigating.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrClosed is returned once a manager has been shut down.
var ErrClosed = errors.New("context manager closed")

// Processor consumes a fetched page inside a context. Run and Fail both
// persist a result and signal completion.
type Processor interface {
	Run(ctx context.Context, target string, body []byte) error
	Fail(ctx context.Context, target string, cause error) error
}

// PacerConfig controls token buckets. A non-positive rate disables pacing.
type PacerConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// Pacer keeps one token bucket per key. Managers key context creation under
// a fixed name and navigation under the target host.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	observe  func(key string, waited time.Duration)
}

// NewPacer builds a Pacer. observe may be nil; it receives waits longer than
// a millisecond.
func NewPacer(cfg PacerConfig, observe func(key string, waited time.Duration)) *Pacer {
	limit := rate.Limit(cfg.PerSecond)
	if cfg.PerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		observe:  observe,
	}
}

// Wait blocks until key has a token or ctx ends.
func (p *Pacer) Wait(ctx context.Context, key string) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	limiter, ok := p.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = limiter
	}
	p.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pace %s: %w", key, err)
	}
	if waited := time.Since(start); waited > time.Millisecond && p.observe != nil {
		p.observe(key, waited)
	}
	return nil
}

// HostKey returns the pacing key for a target URL.
func HostKey(target string) string {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
