package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/buybox-queue/internal/progress"
	"github.com/JakeFAU/buybox-queue/internal/publisher/memory"
)

func TestPubSubSinkPublishesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPubSubSink(pub, "queue-events", true, nil)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStarted, Total: 1},
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunFinished, Done: 1, Total: 1},
	}))

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "queue-events", msgs[0].Topic)

	var decoded progress.Message
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, "finished", decoded.Type)
	require.Equal(t, 1, decoded.Done)
}

func TestPubSubSinkJoinsFailures(t *testing.T) {
	t.Parallel()

	sink, err := NewPubSubSink(failingPublisher{}, "topic", false, nil)
	require.NoError(t, err)
	err = sink.Consume(context.Background(), []progress.Event{
		{Stage: progress.StageRunStarted},
		{Stage: progress.StageRunAborted},
	})
	require.ErrorContains(t, err, "publish RUN_STARTED")
	require.ErrorContains(t, err, "publish RUN_ABORTED")

	_, err = NewPubSubSink(nil, "topic", false, nil)
	require.Error(t, err)
	_, err = NewPubSubSink(failingPublisher{}, "", false, nil)
	require.Error(t, err)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("unavailable")
}
