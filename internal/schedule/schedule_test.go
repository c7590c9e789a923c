package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

type recordingStarter struct {
	mu    sync.Mutex
	calls [][]queue.WorkItem
	conc  []int
	err   error
}

func (r *recordingStarter) Start(_ context.Context, items []queue.WorkItem, concurrency int) (queue.StartResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, items)
	r.conc = append(r.conc, concurrency)
	if r.err != nil {
		return queue.StartResult{}, r.err
	}
	return queue.StartResult{Accepted: true, Total: len(items), RunID: "run"}, nil
}

func (r *recordingStarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{}
	_, err := New(Config{Spec: "not a cron", Targets: []string{"https://shop.test/a"}}, starter, nil)
	require.ErrorContains(t, err, "parse cron")

	_, err = New(Config{Spec: "@hourly", Targets: []string{" ", ""}}, starter, nil)
	require.ErrorContains(t, err, "at least one target")

	_, err = New(Config{Spec: "@hourly", Targets: []string{"https://shop.test/a"}}, nil, nil)
	require.Error(t, err)
}

func TestFireStartsTrimmedTargets(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{}
	s, err := New(Config{
		Spec:        "0 6 * * *",
		Targets:     []string{" https://shop.test/a ", "", "https://shop.test/b"},
		Concurrency: 2,
	}, starter, zap.NewNop())
	require.NoError(t, err)

	s.fire(context.Background())

	require.Equal(t, [][]queue.WorkItem{{
		{Target: "https://shop.test/a"},
		{Target: "https://shop.test/b"},
	}}, starter.calls)
	require.Equal(t, []int{2}, starter.conc)
}

func TestFireLogsSkippedRuns(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	starter := &recordingStarter{err: queue.ErrAlreadyRunning}
	s, err := New(Config{Spec: "@daily", Targets: []string{"https://shop.test/a"}}, starter, zap.New(core))
	require.NoError(t, err)

	s.fire(context.Background())
	require.Equal(t, 1, logs.FilterMessageSnippet("skipped").Len())

	starter.err = errors.New("store down")
	s.fire(context.Background())
	require.Equal(t, 1, logs.FilterMessage("scheduled run failed to start").Len())
}

func TestSchedulerTicks(t *testing.T) {
	t.Parallel()

	starter := &recordingStarter{}
	s, err := New(Config{Spec: "@every 1s", Targets: []string{"https://shop.test/a"}}, starter, nil)
	require.NoError(t, err)
	require.True(t, s.Next().IsZero())

	s.Start()
	require.False(t, s.Next().IsZero())
	require.Eventually(t, func() bool { return starter.count() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
