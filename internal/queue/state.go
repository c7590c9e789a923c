package queue

import (
	"fmt"
	"time"
)

// QueueState is the single persisted document describing a run. The engine is
// its only writer and saves it wholesale after every mutation.
type QueueState struct {
	RunID       string               `json:"run_id"`
	Phase       Phase                `json:"phase"`
	Items       []WorkItem           `json:"items"`
	Total       int                  `json:"total"`
	Done        int                  `json:"done"`
	Errors      int                  `json:"errors"`
	Timeouts    int                  `json:"timeouts"`
	Concurrency int                  `json:"concurrency"`
	Slots       map[SlotID]SlotState `json:"slots"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Aborted     bool                 `json:"aborted"`
	AbortReason string               `json:"abort_reason,omitempty"`
	DispatchSeq uint64               `json:"dispatch_seq"`
	LastResult  *Result              `json:"last_result,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// NewQueueState seeds a running state for the given items.
func NewQueueState(runID string, items []WorkItem, concurrency int, now time.Time) QueueState {
	concurrency = ClampConcurrency(concurrency)
	slots := make(map[SlotID]SlotState, concurrency)
	for i := 0; i < concurrency; i++ {
		slots[SlotID(i)] = SlotState{}
	}
	return QueueState{
		RunID:       runID,
		Phase:       PhaseRunning,
		Items:       append([]WorkItem(nil), items...),
		Total:       len(items),
		Concurrency: concurrency,
		Slots:       slots,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// InFlight counts slots holding a dispatched item.
func (s QueueState) InFlight() int {
	n := 0
	for _, slot := range s.Slots {
		if slot.Busy() {
			n++
		}
	}
	return n
}

// Clone returns a deep copy safe to hand to stores and observers.
func (s QueueState) Clone() QueueState {
	out := s
	out.Items = make([]WorkItem, len(s.Items))
	for i, item := range s.Items {
		out.Items[i] = item.clone()
	}
	out.Slots = make(map[SlotID]SlotState, len(s.Slots))
	for id, slot := range s.Slots {
		if slot.CurrentItem != nil {
			item := slot.CurrentItem.clone()
			slot.CurrentItem = &item
		}
		out.Slots[id] = slot
	}
	if s.LastResult != nil {
		res := *s.LastResult
		out.LastResult = &res
	}
	return out
}

func (w WorkItem) clone() WorkItem {
	if w.Fields == nil {
		return w
	}
	fields := make(map[string]string, len(w.Fields))
	for k, v := range w.Fields {
		fields[k] = v
	}
	return WorkItem{Target: w.Target, Fields: fields}
}

// Validate checks the structural invariants of a loaded document.
func (s QueueState) Validate() error {
	switch s.Phase {
	case PhaseIdle, PhaseRunning, PhaseFinishing, PhaseFinished, PhaseAborted:
	default:
		return fmt.Errorf("unknown phase %q", s.Phase)
	}
	if s.Done < 0 || s.Total < 0 {
		return fmt.Errorf("negative counters done=%d total=%d", s.Done, s.Total)
	}
	if s.Phase == PhaseIdle {
		return nil
	}
	inFlight := s.InFlight()
	if inFlight > s.Concurrency {
		return fmt.Errorf("in-flight %d exceeds concurrency %d", inFlight, s.Concurrency)
	}
	if s.Done+len(s.Items)+inFlight > s.Total {
		return fmt.Errorf("done %d + remaining %d + in-flight %d exceeds total %d",
			s.Done, len(s.Items), inFlight, s.Total)
	}
	if s.Phase == PhaseFinished && s.Done != s.Total {
		return fmt.Errorf("finished with done %d != total %d", s.Done, s.Total)
	}
	for id, slot := range s.Slots {
		if slot.WaitingForSignal && slot.CurrentItem == nil {
			return fmt.Errorf("slot %d waiting without an item", id)
		}
	}
	return nil
}

// Status builds the observable snapshot of the state.
func (s QueueState) Status() Status {
	st := Status{
		RunID:       s.RunID,
		Phase:       s.Phase,
		Done:        s.Done,
		Total:       s.Total,
		Remaining:   len(s.Items),
		InFlight:    s.InFlight(),
		Errors:      s.Errors,
		Timeouts:    s.Timeouts,
		Concurrency: s.Concurrency,
		StartedAt:   s.StartedAt,
		FinishedAt:  s.FinishedAt,
		Aborted:     s.Aborted,
		AbortReason: s.AbortReason,
	}
	if st.Phase == "" {
		st.Phase = PhaseIdle
	}
	if s.LastResult != nil {
		res := *s.LastResult
		st.LastResult = &res
	}
	for _, id := range SortedSlotIDs(s.Slots) {
		slot := s.Slots[id]
		view := SlotStatus{
			Slot:             id,
			WaitingForSignal: slot.WaitingForSignal,
			Bound:            slot.ContextID != "",
		}
		if slot.CurrentItem != nil {
			view.Target = slot.CurrentItem.Target
			view.DispatchedAt = slot.DispatchedAt
			view.TimeoutAt = slot.TimeoutAt
		}
		st.Slots = append(st.Slots, view)
	}
	return st
}
