package engine

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/JakeFAU/buybox-queue/internal/keepalive"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// Config tunes pacing, timeouts, and liveness.
//   - Concurrency: slots used when Start passes 0.
//   - BaseDelay, JitterMax, SlotPenalty: refill delay after an advance is
//     BaseDelay + [0, JitterMax) + SlotPenalty per other in-flight slot.
//   - StaggerStep: slot i launches StaggerStep*i after start.
//   - WaitWindow: safety timeout per dispatched item.
//   - SettleDelay: wait after observing a result-store write before advancing.
//   - GraceDelay: Finishing lasts this long before contexts are released.
//   - ObserveInterval: result-store poll period; 0 disables observation.
//   - KeepaliveInterval, FailureThreshold: liveness probing.
//   - StoreTimeout: deadline for each state-store call.
type Config struct {
	Concurrency       int           `mapstructure:"concurrency"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	JitterMax         time.Duration `mapstructure:"jitter_max"`
	SlotPenalty       time.Duration `mapstructure:"slot_penalty"`
	StaggerStep       time.Duration `mapstructure:"stagger_step"`
	WaitWindow        time.Duration `mapstructure:"wait_window"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	GraceDelay        time.Duration `mapstructure:"grace_delay"`
	ObserveInterval   time.Duration `mapstructure:"observe_interval"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	FailureThreshold  int           `mapstructure:"failure_threshold"`
	StoreTimeout      time.Duration `mapstructure:"store_timeout"`
}

// DefaultConfig returns production pacing.
func DefaultConfig() Config {
	return Config{
		Concurrency:       1,
		BaseDelay:         4 * time.Second,
		JitterMax:         3 * time.Second,
		SlotPenalty:       750 * time.Millisecond,
		StaggerStep:       2 * time.Second,
		WaitWindow:        30 * time.Second,
		SettleDelay:       1500 * time.Millisecond,
		GraceDelay:        2 * time.Second,
		ObserveInterval:   2 * time.Second,
		KeepaliveInterval: keepalive.DefaultInterval,
		FailureThreshold:  keepalive.DefaultThreshold,
		StoreTimeout:      5 * time.Second,
	}
}

// Validate rejects negative durations and a missing wait window.
func (c Config) Validate() error {
	durations := map[string]time.Duration{
		"base_delay":         c.BaseDelay,
		"jitter_max":         c.JitterMax,
		"slot_penalty":       c.SlotPenalty,
		"stagger_step":       c.StaggerStep,
		"settle_delay":       c.SettleDelay,
		"grace_delay":        c.GraceDelay,
		"observe_interval":   c.ObserveInterval,
		"keepalive_interval": c.KeepaliveInterval,
		"store_timeout":      c.StoreTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must be >= 0, got %s", name, d)
		}
	}
	if c.WaitWindow <= 0 {
		return fmt.Errorf("wait_window must be > 0")
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure_threshold must be >= 0")
	}
	return nil
}

func (c Config) withDefaults() Config {
	c.Concurrency = queue.ClampConcurrency(c.Concurrency)
	if c.FailureThreshold == 0 {
		c.FailureThreshold = keepalive.DefaultThreshold
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = keepalive.DefaultInterval
	}
	if c.StoreTimeout == 0 {
		c.StoreTimeout = 5 * time.Second
	}
	return c
}

// randomJitter returns a uniform duration in [0, limit).
func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
