package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

type exampleCountingSink struct {
	advanced int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Stage == StageItemAdvanced {
			s.advanced++
		}
	}
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting events and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	runID := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	hub.Emit(Event{RunID: runID, TS: time.Unix(0, 0), Stage: StageRunStarted, Total: 1})
	hub.Emit(Event{
		RunID:   runID,
		TS:      time.Unix(1, 0),
		Stage:   StageItemAdvanced,
		Done:    1,
		Total:   1,
		Target:  "https://example.com/p/kettle",
		Outcome: queue.OutcomeTimeout,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("items advanced: %d\n", sink.advanced)
	// Output:
	// items advanced: 1
}
