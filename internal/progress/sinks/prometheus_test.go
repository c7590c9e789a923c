package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buybox-queue/internal/progress"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStarted, Total: 2},
		{RunID: runID, TS: now, Stage: progress.StageRunStarted, Total: 2},
		{
			RunID: runID, TS: now, Stage: progress.StageItemAdvanced, Done: 1, Total: 2,
			Target: "a", Outcome: queue.OutcomeSuccess, Source: queue.SourceSignal, Dur: 3 * time.Second,
		},
		{
			RunID: runID, TS: now, Stage: progress.StageItemAdvanced, Done: 2, Total: 2,
			Target: "b", Outcome: queue.OutcomeTimeout, Source: queue.SourceTimeout, Dur: 30 * time.Second,
		},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsActive))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunFinished, Done: 2, Total: 2, Dur: time.Minute},
	}))

	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("finished")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("aborted")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsAdvanced.WithLabelValues("success", "signal")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.itemsAdvanced.WithLabelValues("timeout", "timeout")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.runItemsDone))
	require.Equal(t, 2, testutil.CollectAndCount(sink.itemDwell, "buyboxq_item_dwell_seconds"))
}

func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
