package extractor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/clock/system"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// ErrUnrendered marks a page body that never rendered product markup.
var ErrUnrendered = errors.New("page requires javascript rendering")

// RunnerConfig controls completion signalling.
type RunnerConfig struct {
	SignalAttempts int           `mapstructure:"signal_attempts"`
	SignalBackoff  time.Duration `mapstructure:"signal_backoff"`
}

// Runner is the in-context half of the completion protocol: it persists the
// result first and then signals the engine, retrying the signal because the
// store-observation fallback only covers a signal that never arrives.
type Runner struct {
	extractor *Extractor
	results   queue.ResultStore
	check     *RenderCheck
	clock     queue.Clock
	cfg       RunnerConfig
	logger    *zap.Logger

	mu        sync.RWMutex
	completer queue.Completer
}

// NewRunner wires a Runner. check may be nil.
func NewRunner(
	extractor *Extractor,
	results queue.ResultStore,
	check *RenderCheck,
	clock queue.Clock,
	cfg RunnerConfig,
	logger *zap.Logger,
) *Runner {
	if cfg.SignalAttempts <= 0 {
		cfg.SignalAttempts = 3
	}
	if cfg.SignalBackoff <= 0 {
		cfg.SignalBackoff = 1500 * time.Millisecond
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		extractor: extractor,
		results:   results,
		check:     check,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("extractor"),
	}
}

// Attach sets the completion target. The engine is built after the context
// managers that own the Runner, so it is attached late.
func (r *Runner) Attach(c queue.Completer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completer = c
}

// Run extracts body for target, stores the merged result, and signals.
func (r *Runner) Run(ctx context.Context, target string, body []byte) error {
	if r.check.Unrendered(body) {
		return r.Fail(ctx, target, ErrUnrendered)
	}
	res, err := r.extractor.Extract(target, body)
	if err != nil {
		return r.Fail(ctx, target, err)
	}
	res.ExtractedAt = r.clock.Now()
	stored := r.store(ctx, res)
	return r.signal(ctx, queue.Completion{Target: target, Result: &stored})
}

// Fail records an errored visit and signals it.
func (r *Runner) Fail(ctx context.Context, target string, cause error) error {
	res := queue.Result{Target: target, Error: cause.Error(), ExtractedAt: r.clock.Now()}
	stored := r.store(ctx, res)
	return r.signal(ctx, queue.Completion{Target: target, Result: &stored, Error: res.Error})
}

// store upserts res over any earlier record for the target. Failures are
// logged only: the signal still carries the result.
func (r *Runner) store(ctx context.Context, res queue.Result) queue.Result {
	prev, err := r.results.GetResult(ctx, res.Target)
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) {
			r.logger.Warn("read previous result failed", zap.String("target", res.Target), zap.Error(err))
		}
		prev = queue.Result{}
	}
	merged := queue.MergeResult(prev, res)
	if err := r.results.PutResult(ctx, merged); err != nil {
		r.logger.Warn("persist result failed", zap.String("target", res.Target), zap.Error(err))
	}
	return merged
}

func (r *Runner) signal(ctx context.Context, completion queue.Completion) error {
	r.mu.RLock()
	completer := r.completer
	r.mu.RUnlock()
	if completer == nil {
		return fmt.Errorf("signal %s: no completer attached", completion.Target)
	}
	var lastErr error
	for attempt := 1; attempt <= r.cfg.SignalAttempts; attempt++ {
		advanced, err := completer.ItemCompleted(ctx, completion)
		if err == nil {
			if !advanced {
				r.logger.Debug("completion did not advance", zap.String("target", completion.Target))
			}
			return nil
		}
		lastErr = err
		r.logger.Warn("completion signal failed",
			zap.String("target", completion.Target),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt == r.cfg.SignalAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("signal %s: %w", completion.Target, ctx.Err())
		case <-time.After(r.cfg.SignalBackoff):
		}
	}
	return fmt.Errorf("signal %s after %d attempts: %w", completion.Target, r.cfg.SignalAttempts, lastErr)
}
