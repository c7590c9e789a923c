// Package engine runs the work queue: it seeds and persists QueueState, binds
// slots to execution contexts, races completion signals against store
// observation and safety timeouts, and advances every dispatched item exactly
// once.
//
// All state mutation happens on the goroutine executing Run. Commands,
// timers, context callbacks, and pollers post closures to that goroutine, so
// two advances never interleave and a stop always observes a consistent
// state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/clock/system"
	"github.com/JakeFAU/buybox-queue/internal/id/uuid"
	"github.com/JakeFAU/buybox-queue/internal/keepalive"
	"github.com/JakeFAU/buybox-queue/internal/progress"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

const (
	opsBuffer      = 256
	releaseTimeout = 10 * time.Second
	reasonStopped  = "stop requested"
)

// Options carries the engine's collaborators. States and Contexts are
// required; the rest default to no-op or system implementations.
type Options struct {
	States   queue.StateStore
	Results  queue.ResultStore
	Contexts queue.ContextManager
	Emitter  progress.Emitter
	Clock    queue.Clock
	IDs      queue.IDGenerator
	Logger   *zap.Logger
	// Jitter returns a random duration in [0, limit). Defaults to crypto/rand.
	Jitter func(limit time.Duration) time.Duration
}

// Engine orchestrates one run at a time.
type Engine struct {
	cfg      Config
	states   queue.StateStore
	results  queue.ResultStore
	contexts queue.ContextManager
	emitter  progress.Emitter
	clock    queue.Clock
	ids      queue.IDGenerator
	jitter   func(time.Duration) time.Duration
	logger   *zap.Logger
	monitor  *keepalive.Monitor

	ops     chan func()
	done    chan struct{}
	started atomic.Bool
	running atomic.Bool

	// Owned by the Run goroutine.
	runCtx context.Context
	state  queue.QueueState
	dirty  bool
	timers map[timerKey]*time.Timer
}

// New validates cfg and wires the collaborators.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.States == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Contexts == nil {
		return nil, errors.New("context manager is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		states:   opts.States,
		results:  opts.Results,
		contexts: opts.Contexts,
		emitter:  opts.Emitter,
		clock:    opts.Clock,
		ids:      opts.IDs,
		jitter:   opts.Jitter,
		logger:   opts.Logger,
		ops:      make(chan func(), opsBuffer),
		done:     make(chan struct{}),
		runCtx:   context.Background(),
		state:    queue.QueueState{Phase: queue.PhaseIdle, Slots: map[queue.SlotID]queue.SlotState{}},
		timers:   make(map[timerKey]*time.Timer),
	}
	if e.emitter == nil {
		e.emitter = progress.NopEmitter{}
	}
	if e.clock == nil {
		e.clock = system.New()
	}
	if e.ids == nil {
		e.ids = uuid.NewUUIDGenerator()
	}
	if e.jitter == nil {
		e.jitter = randomJitter
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("engine")
	e.monitor = &keepalive.Monitor{
		Interval:  cfg.KeepaliveInterval,
		Threshold: cfg.FailureThreshold,
		Probe:     e.probe,
		Active:    e.running.Load,
		OnDead: func(err error) {
			// Record may run on the loop goroutine; never block it.
			go e.enqueue(func() { e.hostGone(err) })
		},
		Logger: e.logger.Named("keepalive"),
	}
	return e, nil
}

// Run resumes any persisted run and processes commands until ctx is done.
// Store calls and dispatches issued by the engine inherit ctx.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	e.runCtx = ctx
	if err := e.resume(); err != nil {
		close(e.done)
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		e.watchClosed(ctx)
	}()
	go func() {
		defer wg.Done()
		e.monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		e.observe(ctx)
	}()

	for {
		select {
		case op := <-e.ops:
			op()
		case <-ctx.Done():
			e.cancelTimers()
			close(e.done)
			wg.Wait()
			e.logger.Info("engine stopped", zap.String("phase", string(e.state.Phase)))
			return nil
		}
	}
}

// Start replaces any terminal run with a new one over items. concurrency 0
// selects the configured default; other values are clamped to [1, 3].
func (e *Engine) Start(ctx context.Context, items []queue.WorkItem, concurrency int) (queue.StartResult, error) {
	if len(items) == 0 {
		return queue.StartResult{}, queue.ErrEmptyQueue
	}
	for i, item := range items {
		if item.Target == "" {
			return queue.StartResult{}, fmt.Errorf("item %d: target is required", i)
		}
	}
	if concurrency == 0 {
		concurrency = e.cfg.Concurrency
	}
	runID, err := e.ids.NewID()
	if err != nil {
		return queue.StartResult{}, fmt.Errorf("generate run id: %w", err)
	}
	var (
		res      queue.StartResult
		startErr error
	)
	if err := e.do(ctx, func() { res, startErr = e.start(runID, items, concurrency) }); err != nil {
		return queue.StartResult{}, err
	}
	return res, startErr
}

// Stop aborts an active run. It reports Stopped=false when nothing was
// running, so repeated calls are harmless.
func (e *Engine) Stop(ctx context.Context) (queue.StopResult, error) {
	var res queue.StopResult
	err := e.do(ctx, func() {
		if !e.state.Phase.Active() {
			return
		}
		e.abort(reasonStopped)
		res.Stopped = true
	})
	return res, err
}

// Status returns a snapshot of the current run.
func (e *Engine) Status(ctx context.Context) (queue.Status, error) {
	var st queue.Status
	err := e.do(ctx, func() { st = e.state.Status() })
	return st, err
}

// ItemCompleted is the direct completion path. It advances the oldest waiting
// slot dispatched for the target and reports whether anything advanced.
func (e *Engine) ItemCompleted(ctx context.Context, completion queue.Completion) (bool, error) {
	if completion.Target == "" {
		return false, errors.New("completion target is required")
	}
	if completion.Result != nil && completion.Result.Target == "" {
		res := *completion.Result
		res.Target = completion.Target
		completion.Result = &res
	}
	var advanced bool
	err := e.do(ctx, func() {
		slot, seq, ok := e.waitingFor(completion.Target)
		if !ok {
			e.logger.Debug("completion without a waiting slot", zap.String("target", completion.Target))
			return
		}
		outcome := queue.OutcomeSuccess
		if completion.Error != "" {
			outcome = queue.OutcomeError
		}
		advanced = e.advance(slot, seq, outcome, queue.SourceSignal, completion.Result, completion.Error)
	})
	return advanced, err
}

func (e *Engine) start(runID string, items []queue.WorkItem, concurrency int) (queue.StartResult, error) {
	if e.state.Phase.Active() {
		return queue.StartResult{}, queue.ErrAlreadyRunning
	}
	e.cancelTimers()
	prev := e.state
	next := queue.NewQueueState(runID, items, concurrency, e.clock.Now())
	next.DispatchSeq = prev.DispatchSeq
	e.state = next
	if err := e.save(); err != nil {
		e.state = prev
		e.monitor.Record(fmt.Errorf("%w: %v", queue.ErrHostUnavailable, err))
		return queue.StartResult{}, fmt.Errorf("persist new run: %w", err)
	}
	e.dirty = false
	e.setPhase(queue.PhaseRunning)
	e.monitor.Reset()
	e.emitter.Emit(e.event(progress.StageRunStarted, next.StartedAt))
	e.logger.Info("run started",
		zap.String("run_id", runID),
		zap.Int("total", next.Total),
		zap.Int("concurrency", next.Concurrency),
	)
	for i := 1; i < next.Concurrency; i++ {
		slot := queue.SlotID(i)
		e.arm(timerKey{kind: refillTimer, slot: slot}, e.cfg.StaggerStep*time.Duration(i), func() { e.fill(slot) })
	}
	e.fill(0)
	return queue.StartResult{Accepted: true, Total: next.Total, RunID: runID}, nil
}

func (e *Engine) resume() error {
	ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.StoreTimeout)
	defer cancel()
	st, err := e.states.Load(ctx)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load queue state: %w", err)
	}
	if err := st.Validate(); err != nil {
		e.logger.Error("ignoring invalid persisted queue state", zap.Error(err))
		return nil
	}
	if st.Slots == nil {
		st.Slots = map[queue.SlotID]queue.SlotState{}
	}
	e.state = st
	e.running.Store(st.Phase == queue.PhaseRunning)

	switch st.Phase {
	case queue.PhaseRunning:
		now := e.clock.Now()
		free := 0
		for _, id := range queue.SortedSlotIDs(st.Slots) {
			slot := st.Slots[id]
			if slot.WaitingForSignal {
				remaining := slot.TimeoutAt.Sub(now)
				if remaining < 0 {
					remaining = 0
				}
				e.armTimeout(id, slot.Seq, remaining)
				continue
			}
			e.arm(timerKey{kind: refillTimer, slot: id}, e.cfg.StaggerStep*time.Duration(free), func() { e.fill(id) })
			free++
		}
		e.logger.Info("resumed run",
			zap.String("run_id", st.RunID),
			zap.Int("done", st.Done),
			zap.Int("total", st.Total),
			zap.Int("in_flight", st.InFlight()),
		)
	case queue.PhaseFinishing:
		e.arm(timerKey{kind: graceTimer, slot: -1}, e.cfg.GraceDelay, e.finish)
		e.logger.Info("resumed finishing run", zap.String("run_id", st.RunID))
	}
	return nil
}

// do runs op on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, op func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		op()
		close(finished)
	}
	select {
	case e.ops <- wrapped:
	case <-e.done:
		return queue.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		select {
		case <-finished:
			return nil
		default:
			return queue.ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue posts op without waiting. It must not be called from the loop
// goroutine.
func (e *Engine) enqueue(op func()) {
	select {
	case e.ops <- op:
	case <-e.done:
	}
}

func (e *Engine) setPhase(phase queue.Phase) {
	e.state.Phase = phase
	e.running.Store(phase == queue.PhaseRunning)
}

func (e *Engine) event(stage progress.Stage, ts time.Time) progress.Event {
	return progress.Event{
		RunID: progress.ParseRunID(e.state.RunID),
		TS:    ts,
		Stage: stage,
		Done:  e.state.Done,
		Total: e.state.Total,
	}
}

// persist saves the authoritative in-memory state. Failures leave the state
// dirty for the keepalive probe to flush and count toward the host failure
// threshold.
func (e *Engine) persist() {
	e.state.UpdatedAt = e.clock.Now()
	if err := e.save(); err != nil {
		e.dirty = true
		e.logger.Warn("persist queue state failed", zap.Error(err))
		e.monitor.Record(fmt.Errorf("%w: %v", queue.ErrHostUnavailable, err))
		return
	}
	e.dirty = false
	e.monitor.Record(nil)
}

func (e *Engine) save() error {
	ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.StoreTimeout)
	defer cancel()
	if err := e.states.Save(ctx, e.state.Clone()); err != nil {
		return fmt.Errorf("save queue state: %w", err)
	}
	return nil
}

// probe is the keepalive touch: flush a pending write, then read the store.
func (e *Engine) probe(ctx context.Context) error {
	var flushErr error
	if err := e.do(ctx, func() {
		if !e.dirty {
			return
		}
		e.state.UpdatedAt = e.clock.Now()
		if flushErr = e.save(); flushErr == nil {
			e.dirty = false
		}
	}); err != nil {
		return err
	}
	if flushErr != nil {
		return fmt.Errorf("%w: %v", queue.ErrHostUnavailable, flushErr)
	}
	loadCtx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	defer cancel()
	if _, err := e.states.Load(loadCtx); err != nil && !errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("%w: %v", queue.ErrHostUnavailable, err)
	}
	return nil
}

func (e *Engine) hostGone(err error) {
	if !e.state.Phase.Active() {
		return
	}
	e.logger.Error("host unavailable past failure threshold, aborting run", zap.Error(err))
	e.abort(queue.ErrHostGone.Error())
}
