// Package queue defines the core types shared across the orchestrator: the
// persisted QueueState document, work items, slots, extraction results, and
// the error taxonomy used by the engine and its collaborators.
package queue

import (
	"sort"
	"time"
)

// Phase is the lifecycle stage of a run.
type Phase string

// Run phases. Transitions are monotone: idle -> running -> finishing ->
// finished, with aborted reachable from running or finishing.
const (
	PhaseIdle      Phase = "idle"
	PhaseRunning   Phase = "running"
	PhaseFinishing Phase = "finishing"
	PhaseFinished  Phase = "finished"
	PhaseAborted   Phase = "aborted"
)

// Active reports whether the phase belongs to a run in progress.
func (p Phase) Active() bool {
	return p == PhaseRunning || p == PhaseFinishing
}

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseFinished || p == PhaseAborted
}

// Outcome classifies how a dispatched item was advanced.
type Outcome string

// Advance outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Source names the completion path that won the advance race.
type Source string

// Completion sources.
const (
	SourceSignal      Source = "signal"
	SourceObservation Source = "observation"
	SourceTimeout     Source = "timeout"
	SourceDispatch    Source = "dispatch"
)

// Concurrency bounds for a run.
const (
	MinConcurrency = 1
	MaxConcurrency = 3
)

// ClampConcurrency forces n into [MinConcurrency, MaxConcurrency].
func ClampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// SlotID identifies a concurrency unit within a run.
type SlotID int

// WorkItem is one unit of work. The engine never interprets Target or Fields.
type WorkItem struct {
	Target string            `json:"target"`
	Fields map[string]string `json:"fields,omitempty"`
}

// SlotState tracks what a concurrency slot is doing.
// TimeoutAt persists the safety deadline so the timer can be re-armed after a
// restart; Seq is the dispatch token the advance-once guard matches against.
type SlotState struct {
	ContextID        string    `json:"context_id,omitempty"`
	CurrentItem      *WorkItem `json:"current_item,omitempty"`
	WaitingForSignal bool      `json:"waiting_for_signal"`
	DispatchedAt     time.Time `json:"dispatched_at"`
	TimeoutAt        time.Time `json:"timeout_at"`
	Seq              uint64    `json:"seq"`
}

// Busy reports whether the slot holds an in-flight item.
func (s SlotState) Busy() bool {
	return s.CurrentItem != nil
}

// Result is the record an extractor writes to the result store, keyed by
// Target. Price and InStock are nil when the page did not reveal them.
type Result struct {
	Target      string            `json:"target"`
	Title       string            `json:"title,omitempty"`
	Price       *float64          `json:"price,omitempty"`
	Seller      string            `json:"seller,omitempty"`
	HasBuyBox   bool              `json:"has_buy_box"`
	InStock     *bool             `json:"in_stock,omitempty"`
	Identifier  string            `json:"identifier,omitempty"`
	Slug        string            `json:"slug,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
	Error       string            `json:"error,omitempty"`
	ExtractedAt time.Time         `json:"extracted_at"`
	// History lists the prices seen for Target, oldest first. The store
	// owns it; extractors leave it empty.
	History []PricePoint `json:"history,omitempty"`
}

// MaxHistory caps the price points kept per target.
const MaxHistory = 30

// PricePoint is one observed price change.
type PricePoint struct {
	Price  float64   `json:"price"`
	Seller string    `json:"seller,omitempty"`
	At     time.Time `json:"at"`
}

// MergeResult overlays next onto prev: fields set in next win, fields left
// empty in next keep prev's values. HasBuyBox follows next.
//
// An errored visit only records its Error and ExtractedAt; the last good
// price, seller and buy box state stay as they were.
func MergeResult(prev, next Result) Result {
	out := prev
	out.History = append([]PricePoint(nil), prev.History...)
	out.Target = next.Target
	out.ExtractedAt = next.ExtractedAt
	if next.Error != "" {
		out.Error = next.Error
		return out
	}
	if next.Title != "" {
		out.Title = next.Title
	}
	if next.Price != nil {
		out.Price = next.Price
	}
	if next.Seller != "" {
		out.Seller = next.Seller
	}
	out.HasBuyBox = next.HasBuyBox
	if next.InStock != nil {
		out.InStock = next.InStock
	}
	if next.Identifier != "" {
		out.Identifier = next.Identifier
	}
	if next.Slug != "" {
		out.Slug = next.Slug
	}
	if len(next.Fields) > 0 {
		merged := make(map[string]string, len(prev.Fields)+len(next.Fields))
		for k, v := range prev.Fields {
			merged[k] = v
		}
		for k, v := range next.Fields {
			merged[k] = v
		}
		out.Fields = merged
	}
	out.Error = ""
	out.History = appendPricePoint(out.History, next)
	return out
}

// appendPricePoint records next's price when it differs from the last one
// seen, dropping the oldest points past MaxHistory.
func appendPricePoint(history []PricePoint, next Result) []PricePoint {
	if next.Price == nil || *next.Price <= 0 {
		return history
	}
	if n := len(history); n > 0 && history[n-1].Price == *next.Price {
		return history
	}
	history = append(history, PricePoint{Price: *next.Price, Seller: next.Seller, At: next.ExtractedAt})
	if len(history) > MaxHistory {
		history = history[len(history)-MaxHistory:]
	}
	return history
}

// Completion is the direct signal an extractor sends once it has persisted
// its result. Error is set when extraction failed.
type Completion struct {
	Target string  `json:"target"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// StartResult acknowledges an accepted run.
type StartResult struct {
	Accepted bool   `json:"accepted"`
	Total    int    `json:"total"`
	RunID    string `json:"run_id"`
}

// StopResult reports whether a stop request aborted an active run.
type StopResult struct {
	Stopped bool `json:"stopped"`
}

// SlotStatus is the observable view of one slot.
type SlotStatus struct {
	Slot             SlotID    `json:"slot"`
	Target           string    `json:"target,omitempty"`
	WaitingForSignal bool      `json:"waiting_for_signal"`
	DispatchedAt     time.Time `json:"dispatched_at,omitempty"`
	TimeoutAt        time.Time `json:"timeout_at,omitempty"`
	Bound            bool      `json:"bound"`
}

// Status is the snapshot returned to observers.
type Status struct {
	RunID       string       `json:"run_id,omitempty"`
	Phase       Phase        `json:"phase"`
	Done        int          `json:"done"`
	Total       int          `json:"total"`
	Remaining   int          `json:"remaining"`
	InFlight    int          `json:"in_flight"`
	Errors      int          `json:"errors"`
	Timeouts    int          `json:"timeouts"`
	Concurrency int          `json:"concurrency"`
	StartedAt   time.Time    `json:"started_at,omitempty"`
	FinishedAt  time.Time    `json:"finished_at,omitempty"`
	Aborted     bool         `json:"aborted"`
	AbortReason string       `json:"abort_reason,omitempty"`
	LastResult  *Result      `json:"last_result,omitempty"`
	Slots       []SlotStatus `json:"slots,omitempty"`
}

// SortedSlotIDs returns the keys of slots in ascending order.
func SortedSlotIDs(slots map[SlotID]SlotState) []SlotID {
	ids := make([]SlotID, 0, len(slots))
	for id := range slots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
