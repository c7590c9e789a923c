package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/progress"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

type timerKind int

const (
	timeoutTimer timerKind = iota
	settleTimer
	refillTimer
	graceTimer
)

type timerKey struct {
	kind timerKind
	slot queue.SlotID
}

// arm schedules fn on the loop goroutine after d. Re-arming or disarming the
// key, or starting another run, turns a pending fire into a no-op.
func (e *Engine) arm(key timerKey, d time.Duration, fn func()) {
	e.disarm(key)
	runID := e.state.RunID
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.enqueue(func() {
			if e.timers[key] != t {
				return
			}
			delete(e.timers, key)
			if e.state.RunID != runID {
				return
			}
			fn()
		})
	})
	e.timers[key] = t
}

func (e *Engine) disarm(key timerKey) {
	if t, ok := e.timers[key]; ok {
		t.Stop()
		delete(e.timers, key)
	}
}

func (e *Engine) cancelTimers() {
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
}

func (e *Engine) armTimeout(slot queue.SlotID, seq uint64, d time.Duration) {
	e.arm(timerKey{kind: timeoutTimer, slot: slot}, d, func() {
		if e.advance(slot, seq, queue.OutcomeTimeout, queue.SourceTimeout, nil, queue.ErrSignalTimeout.Error()) {
			e.logger.Warn("item timed out", zap.Int("slot", int(slot)), zap.Uint64("seq", seq))
		}
	})
}

// fill dispatches the next queued item into a free slot.
func (e *Engine) fill(slot queue.SlotID) {
	if e.state.Phase != queue.PhaseRunning {
		return
	}
	cur, ok := e.state.Slots[slot]
	if !ok || cur.Busy() {
		return
	}
	if len(e.state.Items) == 0 {
		if e.state.InFlight() == 0 {
			e.beginFinishing()
		}
		return
	}
	item := e.state.Items[0]
	e.state.Items = e.state.Items[1:]
	e.state.DispatchSeq++
	seq := e.state.DispatchSeq
	now := e.clock.Now()
	cur.CurrentItem = &item
	cur.WaitingForSignal = true
	cur.DispatchedAt = now
	cur.TimeoutAt = now.Add(e.cfg.WaitWindow)
	cur.Seq = seq
	e.state.Slots[slot] = cur
	e.persist()
	e.armTimeout(slot, seq, e.cfg.WaitWindow)

	e.logger.Debug("dispatching item",
		zap.Int("slot", int(slot)),
		zap.Uint64("seq", seq),
		zap.String("target", item.Target),
	)
	runID := e.state.RunID
	handle := queue.ContextHandle{ID: cur.ContextID, Slot: slot}
	go func() {
		bound, err := e.bindAndDispatch(e.runCtx, handle, item)
		if err != nil && e.runCtx.Err() == nil {
			e.logger.Warn("dispatch failed, retrying in a fresh context",
				zap.Int("slot", int(slot)),
				zap.String("target", item.Target),
				zap.Error(err),
			)
			e.release(bound)
			bound, err = e.bindAndDispatch(e.runCtx, queue.ContextHandle{Slot: slot}, item)
		}
		e.enqueue(func() { e.dispatched(runID, slot, seq, bound, err) })
	}()
}

// bindAndDispatch acquires a context when the handle is unbound and starts
// the item in it. The returned handle is the bound context, even on failure.
func (e *Engine) bindAndDispatch(ctx context.Context, handle queue.ContextHandle, item queue.WorkItem) (queue.ContextHandle, error) {
	if handle.ID == "" {
		acquired, err := e.contexts.Acquire(ctx, handle.Slot)
		if err != nil {
			return queue.ContextHandle{Slot: handle.Slot}, fmt.Errorf("%w: %v", queue.ErrContextCreation, err)
		}
		handle = acquired
	}
	bound, err := e.contexts.Dispatch(ctx, handle, item)
	if err != nil {
		return handle, fmt.Errorf("dispatch %s: %w", item.Target, err)
	}
	return bound, nil
}

// dispatched records the context a dispatch ran in and turns a failed
// dispatch into an errored advance.
func (e *Engine) dispatched(runID string, slot queue.SlotID, seq uint64, bound queue.ContextHandle, err error) {
	cur, ok := e.state.Slots[slot]
	current := ok && e.state.RunID == runID && cur.WaitingForSignal && cur.Seq == seq
	if bound.ID != "" && bound.ID != cur.ContextID {
		if ok && e.state.Phase.Active() && (current || cur.ContextID == "") {
			// The slot holds one context; a replaced binding is released.
			if cur.ContextID != "" {
				go e.release(queue.ContextHandle{ID: cur.ContextID, Slot: slot})
			}
			cur.ContextID = bound.ID
			e.state.Slots[slot] = cur
			e.persist()
		} else {
			go e.release(bound)
		}
	}
	if err == nil || !current {
		return
	}
	e.logger.Warn("dispatch failed, counting item as errored",
		zap.Int("slot", int(slot)),
		zap.String("target", cur.CurrentItem.Target),
		zap.Error(err),
	)
	e.advance(slot, seq, queue.OutcomeError, queue.SourceDispatch, nil, err.Error())
}

// advance is the advance-once guard. Only the first caller for a dispatch
// (slot, seq) mutates state; later callers get false.
func (e *Engine) advance(
	slot queue.SlotID,
	seq uint64,
	outcome queue.Outcome,
	source queue.Source,
	result *queue.Result,
	errMsg string,
) bool {
	cur, ok := e.state.Slots[slot]
	if !ok || !cur.WaitingForSignal || cur.Seq != seq || !e.state.Phase.Active() {
		e.logger.Debug("ignoring completion",
			zap.Int("slot", int(slot)),
			zap.Uint64("seq", seq),
			zap.String("source", string(source)),
			zap.Error(queue.ErrDuplicateAdvance),
		)
		return false
	}
	e.disarm(timerKey{kind: timeoutTimer, slot: slot})
	e.disarm(timerKey{kind: settleTimer, slot: slot})

	now := e.clock.Now()
	target := cur.CurrentItem.Target
	dwell := now.Sub(cur.DispatchedAt)
	if dwell < 0 {
		dwell = 0
	}
	e.state.Done++
	switch outcome {
	case queue.OutcomeError:
		e.state.Errors++
	case queue.OutcomeTimeout:
		e.state.Timeouts++
	}
	cur.CurrentItem = nil
	cur.WaitingForSignal = false
	cur.TimeoutAt = time.Time{}
	e.state.Slots[slot] = cur
	e.state.LastResult = lastResult(target, outcome, result, errMsg, now)
	e.persist()

	evt := e.event(progress.StageItemAdvanced, now)
	evt.Slot = int(slot)
	evt.Target = target
	evt.Outcome = outcome
	evt.Source = source
	evt.Result = e.state.LastResult
	evt.Dur = dwell
	e.emitter.Emit(evt)
	e.logger.Info("item advanced",
		zap.Int("slot", int(slot)),
		zap.String("target", target),
		zap.String("outcome", string(outcome)),
		zap.String("source", string(source)),
		zap.Int("done", e.state.Done),
		zap.Int("total", e.state.Total),
	)

	if e.state.Phase != queue.PhaseRunning {
		return true
	}
	switch {
	case len(e.state.Items) > 0:
		e.arm(timerKey{kind: refillTimer, slot: slot}, e.refillDelay(), func() { e.fill(slot) })
	case e.state.InFlight() == 0:
		e.beginFinishing()
	}
	return true
}

func lastResult(target string, outcome queue.Outcome, result *queue.Result, errMsg string, now time.Time) *queue.Result {
	switch {
	case result != nil:
		res := *result
		res.Target = target
		return &res
	case outcome == queue.OutcomeError:
		return &queue.Result{Target: target, Error: errMsg, ExtractedAt: now}
	default:
		return nil
	}
}

// refillDelay paces the next dispatch: base window, random jitter, and a
// penalty per other slot still in flight.
func (e *Engine) refillDelay() time.Duration {
	d := e.cfg.BaseDelay + e.jitter(e.cfg.JitterMax)
	return d + e.cfg.SlotPenalty*time.Duration(e.state.InFlight())
}

// waitingFor returns the oldest waiting dispatch for target.
func (e *Engine) waitingFor(target string) (queue.SlotID, uint64, bool) {
	var (
		found  bool
		best   queue.SlotID
		bestAt time.Time
		seq    uint64
	)
	for _, id := range queue.SortedSlotIDs(e.state.Slots) {
		slot := e.state.Slots[id]
		if !slot.WaitingForSignal || slot.CurrentItem == nil || slot.CurrentItem.Target != target {
			continue
		}
		if !found || slot.DispatchedAt.Before(bestAt) {
			found, best, bestAt, seq = true, id, slot.DispatchedAt, slot.Seq
		}
	}
	return best, seq, found
}

func (e *Engine) beginFinishing() {
	e.setPhase(queue.PhaseFinishing)
	e.persist()
	e.logger.Info("queue drained, finishing", zap.String("run_id", e.state.RunID))
	e.arm(timerKey{kind: graceTimer, slot: -1}, e.cfg.GraceDelay, e.finish)
}

func (e *Engine) finish() {
	if e.state.Phase != queue.PhaseFinishing {
		return
	}
	now := e.clock.Now()
	e.setPhase(queue.PhaseFinished)
	e.state.FinishedAt = now
	handles := e.unbindAll()
	e.persist()

	evt := e.event(progress.StageRunFinished, now)
	evt.Dur = elapsed(e.state.StartedAt, now)
	e.emitter.Emit(evt)
	e.logger.Info("run finished",
		zap.String("run_id", e.state.RunID),
		zap.Int("done", e.state.Done),
		zap.Int("errors", e.state.Errors),
		zap.Int("timeouts", e.state.Timeouts),
	)
	go e.release(handles...)
}

// abort ends an active run. Remaining items are discarded and every pending
// timer is cancelled so nothing refills afterwards.
func (e *Engine) abort(reason string) {
	e.cancelTimers()
	now := e.clock.Now()
	e.setPhase(queue.PhaseAborted)
	e.state.Aborted = true
	e.state.AbortReason = reason
	e.state.Items = nil
	e.state.FinishedAt = now
	for id, slot := range e.state.Slots {
		slot.CurrentItem = nil
		slot.WaitingForSignal = false
		slot.TimeoutAt = time.Time{}
		e.state.Slots[id] = slot
	}
	handles := e.unbindAll()
	e.persist()

	evt := e.event(progress.StageRunAborted, now)
	evt.Dur = elapsed(e.state.StartedAt, now)
	evt.Note = reason
	e.emitter.Emit(evt)
	e.logger.Warn("run aborted",
		zap.String("run_id", e.state.RunID),
		zap.String("reason", reason),
		zap.Int("done", e.state.Done),
		zap.Int("total", e.state.Total),
	)
	go e.release(handles...)
}

func elapsed(start, end time.Time) time.Duration {
	if d := end.Sub(start); d > 0 {
		return d
	}
	return 0
}

func (e *Engine) unbindAll() []queue.ContextHandle {
	var handles []queue.ContextHandle
	for _, id := range queue.SortedSlotIDs(e.state.Slots) {
		slot := e.state.Slots[id]
		if slot.ContextID == "" {
			continue
		}
		handles = append(handles, queue.ContextHandle{ID: slot.ContextID, Slot: id})
		slot.ContextID = ""
		e.state.Slots[id] = slot
	}
	return handles
}

// release tears contexts down best-effort. It runs off the loop goroutine.
func (e *Engine) release(handles ...queue.ContextHandle) {
	for _, h := range handles {
		if h.ID == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(e.runCtx), releaseTimeout)
		if err := e.contexts.Release(ctx, h); err != nil {
			e.logger.Warn("release context failed", zap.String("context_id", h.ID), zap.Error(err))
		}
		cancel()
	}
}

// watchClosed forwards contexts destroyed out of band to the loop.
func (e *Engine) watchClosed(ctx context.Context) {
	closed := e.contexts.Closed()
	if closed == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-closed:
			if !ok {
				return
			}
			e.enqueue(func() { e.contextLost(h) })
		}
	}
}

// contextLost unbinds a destroyed context. An in-flight item is re-dispatched
// under the same token in a fresh context while another slot still holds a
// live one; otherwise the run aborts.
func (e *Engine) contextLost(h queue.ContextHandle) {
	var (
		slot  queue.SlotID
		found bool
	)
	for id, s := range e.state.Slots {
		if h.ID != "" && s.ContextID == h.ID {
			slot, found = id, true
			break
		}
	}
	if !found {
		return
	}
	cur := e.state.Slots[slot]
	cur.ContextID = ""
	e.state.Slots[slot] = cur
	if !e.state.Phase.Active() || !cur.WaitingForSignal {
		e.persist()
		return
	}
	if !e.anyBound() {
		e.logger.Warn("execution context lost with no live context left",
			zap.Int("slot", int(slot)),
			zap.String("context_id", h.ID),
		)
		e.abort(queue.ErrContextLost.Error())
		return
	}
	e.persist()

	runID, seq, item := e.state.RunID, cur.Seq, *cur.CurrentItem
	e.logger.Warn("execution context lost, rebinding slot",
		zap.Int("slot", int(slot)),
		zap.String("context_id", h.ID),
		zap.String("target", item.Target),
	)
	go func() {
		bound, err := e.bindAndDispatch(e.runCtx, queue.ContextHandle{Slot: slot}, item)
		if err != nil {
			err = fmt.Errorf("%w: %v", queue.ErrContextLost, err)
		}
		e.enqueue(func() { e.dispatched(runID, slot, seq, bound, err) })
	}()
}

func (e *Engine) anyBound() bool {
	for _, s := range e.state.Slots {
		if s.ContextID != "" {
			return true
		}
	}
	return false
}

type pendingDispatch struct {
	runID        string
	slot         queue.SlotID
	seq          uint64
	target       string
	dispatchedAt time.Time
}

// observe polls the result store for writes made by extractors whose direct
// signal never arrived.
func (e *Engine) observe(ctx context.Context) {
	if e.results == nil || e.cfg.ObserveInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.cfg.ObserveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollResults(ctx)
		}
	}
}

func (e *Engine) pollResults(ctx context.Context) {
	var pending []pendingDispatch
	if err := e.do(ctx, func() {
		for _, id := range queue.SortedSlotIDs(e.state.Slots) {
			slot := e.state.Slots[id]
			if !slot.WaitingForSignal || slot.CurrentItem == nil {
				continue
			}
			if _, armed := e.timers[timerKey{kind: settleTimer, slot: id}]; armed {
				continue
			}
			pending = append(pending, pendingDispatch{
				runID:        e.state.RunID,
				slot:         id,
				seq:          slot.Seq,
				target:       slot.CurrentItem.Target,
				dispatchedAt: slot.DispatchedAt,
			})
		}
	}); err != nil {
		return
	}
	for _, p := range pending {
		res, err := e.results.GetResult(ctx, p.target)
		if errors.Is(err, queue.ErrNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				e.monitor.Record(fmt.Errorf("%w: read result: %v", queue.ErrHostUnavailable, err))
			}
			continue
		}
		if !res.ExtractedAt.After(p.dispatchedAt) {
			continue
		}
		e.enqueue(func() { e.observed(p, res) })
	}
}

// observed arms the settle timer once per dispatch. A direct signal arriving
// first disarms it through advance.
func (e *Engine) observed(p pendingDispatch, res queue.Result) {
	cur, ok := e.state.Slots[p.slot]
	if !ok || e.state.RunID != p.runID || !cur.WaitingForSignal || cur.Seq != p.seq {
		return
	}
	key := timerKey{kind: settleTimer, slot: p.slot}
	if _, armed := e.timers[key]; armed {
		return
	}
	e.arm(key, e.cfg.SettleDelay, func() {
		outcome := queue.OutcomeSuccess
		if res.Error != "" {
			outcome = queue.OutcomeError
		}
		e.advance(p.slot, p.seq, outcome, queue.SourceObservation, &res, res.Error)
	})
}
