package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/progress"
	"github.com/JakeFAU/buybox-queue/internal/queue"
	"github.com/JakeFAU/buybox-queue/internal/storage/memory"
)

const waitFor = 3 * time.Second

// testConfig keeps every delay short and disables observation.
func testConfig() Config {
	return Config{
		Concurrency:       1,
		BaseDelay:         5 * time.Millisecond,
		StaggerStep:       5 * time.Millisecond,
		WaitWindow:        time.Minute,
		SettleDelay:       5 * time.Millisecond,
		GraceDelay:        5 * time.Millisecond,
		KeepaliveInterval: time.Hour,
		FailureThreshold:  30,
		StoreTimeout:      time.Second,
	}
}

type harness struct {
	engine   *Engine
	contexts *fakeContexts
	store    *memory.StateStore
	events   *recordingEmitter
}

type harnessOption func(*Options)

func withStates(states queue.StateStore) harnessOption {
	return func(o *Options) { o.States = states }
}

func withJitter(d time.Duration) harnessOption {
	return func(o *Options) { o.Jitter = func(time.Duration) time.Duration { return d } }
}

func startHarness(t *testing.T, cfg Config, contexts *fakeContexts, opts ...harnessOption) *harness {
	t.Helper()
	if contexts == nil {
		contexts = newFakeContexts()
	}
	store := memory.NewStateStore(0)
	events := &recordingEmitter{}
	o := Options{
		States:   store,
		Results:  store,
		Contexts: contexts,
		Emitter:  events,
		Logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	eng, err := New(cfg, o)
	require.NoError(t, err)
	contexts.setEngine(eng)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	return &harness{engine: eng, contexts: contexts, store: store, events: events}
}

func (h *harness) status(t *testing.T) queue.Status {
	t.Helper()
	st, err := h.engine.Status(context.Background())
	require.NoError(t, err)
	return st
}

func (h *harness) waitPhase(t *testing.T, phase queue.Phase) queue.Status {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.status(t).Phase == phase
	}, waitFor, 2*time.Millisecond, "phase never reached %s", phase)
	return h.status(t)
}

func (h *harness) complete(t *testing.T, target string, res *queue.Result) bool {
	t.Helper()
	ok, err := h.engine.ItemCompleted(context.Background(), queue.Completion{Target: target, Result: res})
	require.NoError(t, err)
	return ok
}

func items(targets ...string) []queue.WorkItem {
	out := make([]queue.WorkItem, len(targets))
	for i, target := range targets {
		out[i] = queue.WorkItem{Target: target}
	}
	return out
}

type dispatchRecord struct {
	handle queue.ContextHandle
	target string
	at     time.Time
}

// fakeContexts hands out numbered contexts. onDispatch runs on its own
// goroutine after every successful dispatch.
type fakeContexts struct {
	mu          sync.Mutex
	engine      *Engine
	next        int
	live        map[string]queue.SlotID
	dispatches  []dispatchRecord
	released    []string
	acquireErrs int
	closed      chan queue.ContextHandle
	onDispatch  func(e *Engine, h queue.ContextHandle, item queue.WorkItem)
}

func newFakeContexts() *fakeContexts {
	return &fakeContexts{
		live:   make(map[string]queue.SlotID),
		closed: make(chan queue.ContextHandle, 4),
	}
}

func (f *fakeContexts) setEngine(e *Engine) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.engine = e
}

func (f *fakeContexts) Acquire(_ context.Context, slot queue.SlotID) (queue.ContextHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErrs > 0 {
		f.acquireErrs--
		return queue.ContextHandle{}, errors.New("host refused to open a tab")
	}
	return f.openLocked(slot), nil
}

func (f *fakeContexts) openLocked(slot queue.SlotID) queue.ContextHandle {
	f.next++
	id := fmt.Sprintf("ctx-%d", f.next)
	f.live[id] = slot
	return queue.ContextHandle{ID: id, Slot: slot}
}

func (f *fakeContexts) Dispatch(_ context.Context, h queue.ContextHandle, item queue.WorkItem) (queue.ContextHandle, error) {
	f.mu.Lock()
	if _, ok := f.live[h.ID]; !ok {
		h = f.openLocked(h.Slot)
	}
	f.dispatches = append(f.dispatches, dispatchRecord{handle: h, target: item.Target, at: time.Now()})
	hook, eng := f.onDispatch, f.engine
	f.mu.Unlock()
	if hook != nil {
		go hook(eng, h, item)
	}
	return h, nil
}

func (f *fakeContexts) Release(_ context.Context, h queue.ContextHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, h.ID)
	f.released = append(f.released, h.ID)
	return nil
}

func (f *fakeContexts) Closed() <-chan queue.ContextHandle {
	return f.closed
}

// destroy simulates a human closing the tab.
func (f *fakeContexts) destroy(id string) {
	f.mu.Lock()
	slot := f.live[id]
	delete(f.live, id)
	f.mu.Unlock()
	f.closed <- queue.ContextHandle{ID: id, Slot: slot}
}

func (f *fakeContexts) targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.dispatches))
	for i, d := range f.dispatches {
		out[i] = d.target
	}
	return out
}

func (f *fakeContexts) records() []dispatchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatchRecord(nil), f.dispatches...)
}

func (f *fakeContexts) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// signalAll completes every dispatch through the direct path.
func signalAll(e *Engine, _ queue.ContextHandle, item queue.WorkItem) {
	_, _ = e.ItemCompleted(context.Background(), queue.Completion{
		Target: item.Target,
		Result: &queue.Result{Title: "ok " + item.Target, HasBuyBox: true},
	})
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) snapshot() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}

func (r *recordingEmitter) advances() []progress.Event {
	var out []progress.Event
	for _, evt := range r.snapshot() {
		if evt.Stage == progress.StageItemAdvanced {
			out = append(out, evt)
		}
	}
	return out
}

func (r *recordingEmitter) stages() []progress.Stage {
	var out []progress.Stage
	for _, evt := range r.snapshot() {
		out = append(out, evt.Stage)
	}
	return out
}

// flakyStates fails every Save after the first okSaves.
type flakyStates struct {
	*memory.StateStore
	mu      sync.Mutex
	okSaves int
}

func (f *flakyStates) Save(ctx context.Context, state queue.QueueState) error {
	f.mu.Lock()
	if f.okSaves <= 0 {
		f.mu.Unlock()
		return errors.New("storage quota exceeded")
	}
	f.okSaves--
	f.mu.Unlock()
	return f.StateStore.Save(ctx, state)
}
