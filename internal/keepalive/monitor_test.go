package keepalive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMonitorFiresOnceAtThreshold(t *testing.T) {
	t.Parallel()

	var dead atomic.Int32
	m := &Monitor{Threshold: 3, OnDead: func(error) { dead.Add(1) }}
	boom := errors.New("boom")

	m.Record(boom)
	m.Record(boom)
	require.Zero(t, dead.Load())
	m.Record(boom)
	require.EqualValues(t, 1, dead.Load())
	m.Record(boom)
	require.EqualValues(t, 1, dead.Load())
	require.Equal(t, 4, m.Failures())

	m.Reset()
	require.Zero(t, m.Failures())
	for i := 0; i < 3; i++ {
		m.Record(boom)
	}
	require.EqualValues(t, 2, dead.Load())
}

func TestMonitorSuccessResetsCount(t *testing.T) {
	t.Parallel()

	var dead atomic.Int32
	m := &Monitor{Threshold: 2, OnDead: func(error) { dead.Add(1) }}
	m.Record(errors.New("a"))
	m.Record(nil)
	m.Record(errors.New("b"))
	require.Zero(t, dead.Load())
	require.Equal(t, 1, m.Failures())
}

func TestMonitorRunProbesOnlyWhileActive(t *testing.T) {
	t.Parallel()

	var (
		active atomic.Bool
		probes atomic.Int32
		deadCh = make(chan error, 1)
	)
	m := &Monitor{
		Interval:  5 * time.Millisecond,
		Threshold: 2,
		Active:    active.Load,
		Probe: func(context.Context) error {
			probes.Add(1)
			return errors.New("host gone")
		},
		OnDead: func(err error) { deadCh <- err },
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	require.Zero(t, probes.Load())

	active.Store(true)
	select {
	case err := <-deadCh:
		require.EqualError(t, err, "host gone")
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never declared the host dead")
	}
}
