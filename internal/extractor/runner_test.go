package extractor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/queue"
	"github.com/JakeFAU/buybox-queue/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// flakyCompleter fails the first failures calls.
type flakyCompleter struct {
	mu          sync.Mutex
	failures    int
	completions []queue.Completion
}

func (c *flakyCompleter) ItemCompleted(_ context.Context, completion queue.Completion) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completions = append(c.completions, completion)
	if c.failures > 0 {
		c.failures--
		return false, errors.New("engine busy")
	}
	return true, nil
}

func (c *flakyCompleter) calls() []queue.Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]queue.Completion(nil), c.completions...)
}

func newTestRunner(results queue.ResultStore, check *RenderCheck, completer queue.Completer) *Runner {
	r := NewRunner(
		New(Config{}),
		results,
		check,
		fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		RunnerConfig{SignalAttempts: 3, SignalBackoff: time.Millisecond},
		zap.NewNop(),
	)
	if completer != nil {
		r.Attach(completer)
	}
	return r
}

func TestRunnerStoresThenSignals(t *testing.T) {
	t.Parallel()

	store := memory.NewStateStore(0)
	completer := &flakyCompleter{failures: 2}
	r := newTestRunner(store, nil, completer)

	target := "https://www.makro.co.za/russell-hobbs-kettle/p/itm123abc?pid=KETGH2KXYZ7QPL4F"
	require.NoError(t, r.Run(context.Background(), target, []byte(productPage)))

	calls := completer.calls()
	require.Len(t, calls, 3)
	got := calls[2]
	require.Equal(t, target, got.Target)
	require.Empty(t, got.Error)
	require.NotNil(t, got.Result)
	require.Equal(t, "Acme Traders", got.Result.Seller)

	stored, err := store.GetResult(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, "Russell Hobbs 1.7L Kettle", stored.Title)
	require.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), stored.ExtractedAt)
}

func TestRunnerMergesOverPreviousResult(t *testing.T) {
	t.Parallel()

	store := memory.NewStateStore(0)
	target := "https://www.makro.co.za/toaster/p/itmtstr"
	price := 499.0
	require.NoError(t, store.PutResult(context.Background(), queue.Result{
		Target: target,
		Price:  &price,
		Seller: "Old Seller",
	}))

	r := newTestRunner(store, nil, &flakyCompleter{})
	page := `<html><body><h1>Toaster</h1></body></html>`
	require.NoError(t, r.Run(context.Background(), target, []byte(page)))

	stored, err := store.GetResult(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, "Toaster", stored.Title)
	require.NotNil(t, stored.Price)
	require.InDelta(t, 499.0, *stored.Price, 1e-9)
	require.Equal(t, "Old Seller", stored.Seller)
	require.False(t, stored.HasBuyBox)
}

// stepClock advances by a minute on every read.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

func TestRunnerFailureKeepsLastGoodResult(t *testing.T) {
	t.Parallel()

	store := memory.NewStateStore(0)
	completer := &flakyCompleter{}
	r := NewRunner(
		New(Config{}),
		store,
		nil,
		&stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		RunnerConfig{SignalAttempts: 1, SignalBackoff: time.Millisecond},
		zap.NewNop(),
	)
	r.Attach(completer)
	ctx := context.Background()

	target := "https://www.makro.co.za/russell-hobbs-kettle/p/itm123abc?pid=KETGH2KXYZ7QPL4F"
	require.NoError(t, r.Run(ctx, target, []byte(productPage)))
	good, err := store.GetResult(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, good.Price)
	require.Len(t, good.History, 1)

	require.NoError(t, r.Fail(ctx, target, errors.New("render: context deadline exceeded")))
	stored, err := store.GetResult(ctx, target)
	require.NoError(t, err)
	require.Equal(t, good.HasBuyBox, stored.HasBuyBox)
	require.Equal(t, *good.Price, *stored.Price)
	require.Equal(t, good.Seller, stored.Seller)
	require.Equal(t, good.History, stored.History)
	require.Equal(t, "render: context deadline exceeded", stored.Error)
	require.True(t, stored.ExtractedAt.After(good.ExtractedAt))

	calls := completer.calls()
	require.Len(t, calls, 2)
	require.Equal(t, "render: context deadline exceeded", calls[1].Error)
}

func TestRunnerFailsUnrenderedPages(t *testing.T) {
	t.Parallel()

	store := memory.NewStateStore(0)
	completer := &flakyCompleter{}
	r := newTestRunner(store, NewRenderCheck(0, []string{"h1"}, nil), completer)

	target := "https://www.makro.co.za/shell/p/itmshell"
	require.NoError(t, r.Run(context.Background(), target, []byte(`<html><body><div id="root"></div></body></html>`)))

	calls := completer.calls()
	require.Len(t, calls, 1)
	require.Equal(t, ErrUnrendered.Error(), calls[0].Error)

	stored, err := store.GetResult(context.Background(), target)
	require.NoError(t, err)
	require.Equal(t, ErrUnrendered.Error(), stored.Error)
}

func TestRunnerSignalErrors(t *testing.T) {
	t.Parallel()

	store := memory.NewStateStore(0)
	r := newTestRunner(store, nil, nil)
	err := r.Fail(context.Background(), "https://example.test/p/x", errors.New("navigation failed"))
	require.ErrorContains(t, err, "no completer attached")

	completer := &flakyCompleter{failures: 5}
	r.Attach(completer)
	err = r.Fail(context.Background(), "https://example.test/p/x", errors.New("navigation failed"))
	require.ErrorContains(t, err, "after 3 attempts")
	require.ErrorContains(t, err, "engine busy")
	require.Len(t, completer.calls(), 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r2 := NewRunner(New(Config{}), store, nil, nil,
		RunnerConfig{SignalAttempts: 3, SignalBackoff: time.Hour}, nil)
	r2.Attach(&flakyCompleter{failures: 5})
	err = r2.Fail(ctx, "https://example.test/p/y", errors.New("boom"))
	require.ErrorIs(t, err, context.Canceled)
}
