package sinks

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buybox-queue/internal/hash/sha256"
	"github.com/JakeFAU/buybox-queue/internal/progress"
	"github.com/JakeFAU/buybox-queue/internal/queue"
	"github.com/JakeFAU/buybox-queue/internal/storage/memory"
)

func TestArchiveSinkWritesOnTerminalEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	results := memory.NewStateStore(0)
	price := 1095.0
	require.NoError(t, results.PutResult(ctx, queue.Result{Target: "https://example.com/p/a", Price: &price}))
	blobs := memory.NewBlobStore()

	sink, err := NewArchiveSink(results, blobs, sha256.New(), "archive", nil)
	require.NoError(t, err)

	runID := uuid.New()
	ts := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{RunID: progress.UUIDToBytes(runID), TS: ts, Stage: progress.StageRunStarted, Total: 1},
	}))
	require.Empty(t, blobs.Paths())

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{RunID: progress.UUIDToBytes(runID), TS: ts, Stage: progress.StageRunAborted, Done: 1, Total: 1, Note: "stopped"},
	}))

	paths := blobs.Paths()
	require.Len(t, paths, 1)
	require.True(t, strings.HasPrefix(paths[0], "archive/"+runID.String()+"/"))
	require.True(t, strings.HasSuffix(paths[0], ".json"))

	raw, ok := blobs.Object(paths[0])
	require.True(t, ok)
	var doc Archive
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, "aborted", doc.Outcome)
	require.Equal(t, "stopped", doc.Note)
	require.Len(t, doc.Results, 1)
	require.InDelta(t, 1095.0, *doc.Results[0].Price, 1e-9)
}

func TestNewArchiveSinkRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewArchiveSink(nil, memory.NewBlobStore(), sha256.New(), "", nil)
	require.Error(t, err)
}
