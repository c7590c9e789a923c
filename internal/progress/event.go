package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// Stage denotes the run milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageRunStarted   Stage = "RUN_STARTED"
	StageItemAdvanced Stage = "ITEM_ADVANCED"
	StageRunFinished  Stage = "RUN_FINISHED"
	StageRunAborted   Stage = "RUN_ABORTED"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageRunFinished || s == StageRunAborted
}

// Event is one broadcast about a run.
type Event struct {
	// RunID uniquely identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	Done  int
	Total int
	// Slot, Target, Outcome, Source, and Result describe the advanced item
	// and are only set for StageItemAdvanced.
	Slot    int
	Target  string
	Outcome queue.Outcome
	Source  queue.Source
	Result  *queue.Result
	// Dur is the item dwell time for advances and the run wall time for
	// terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as an abort reason.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStarted, StageRunFinished, StageRunAborted:
	case StageItemAdvanced:
		if e.Target == "" {
			return errors.New("item advance requires target")
		}
		if e.Outcome == "" {
			return errors.New("item advance requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Done < 0 || e.Total < 0 || e.Done > e.Total {
		return fmt.Errorf("invalid counters done=%d total=%d", e.Done, e.Total)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a run ID string to the Event form. Invalid IDs map to
// the zero value, which Validate rejects.
func ParseRunID(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}

// Message is the wire form observers receive.
type Message struct {
	Type    string        `json:"type"`
	RunID   string        `json:"run_id"`
	TS      time.Time     `json:"ts"`
	Done    int           `json:"done"`
	Total   int           `json:"total"`
	Slot    *int          `json:"slot,omitempty"`
	Target  string        `json:"target,omitempty"`
	Outcome queue.Outcome `json:"outcome,omitempty"`
	Source  queue.Source  `json:"source,omitempty"`
	Result  *queue.Result `json:"last_result,omitempty"`
	Note    string        `json:"note,omitempty"`
}

// Message renders the event in wire form.
func (e Event) Message() Message {
	msg := Message{
		RunID: e.RunUUID().String(),
		TS:    e.TS,
		Done:  e.Done,
		Total: e.Total,
		Note:  e.Note,
	}
	switch e.Stage {
	case StageRunStarted:
		msg.Type = "started"
	case StageItemAdvanced:
		slot := e.Slot
		msg.Type = "progress"
		msg.Slot = &slot
		msg.Target = e.Target
		msg.Outcome = e.Outcome
		msg.Source = e.Source
		msg.Result = e.Result
	case StageRunFinished:
		msg.Type = "finished"
	case StageRunAborted:
		msg.Type = "aborted"
	}
	return msg
}
