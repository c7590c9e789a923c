package queue

import (
	"context"
	"io"
	"time"
)

// StateStore persists the QueueState document. Load returns ErrNotFound when
// no run has ever been saved.
type StateStore interface {
	Load(ctx context.Context) (QueueState, error)
	Save(ctx context.Context, state QueueState) error
}

// ResultStore holds extractor output keyed by target. PutResult replaces the
// record for the target; callers merge beforehand when they want upserts.
type ResultStore interface {
	PutResult(ctx context.Context, result Result) error
	GetResult(ctx context.Context, target string) (Result, error)
	ListResults(ctx context.Context) ([]Result, error)
}

// ContextHandle names an execution context bound to a slot. An empty ID means
// the slot has no context yet.
type ContextHandle struct {
	ID   string
	Slot SlotID
}

// ContextManager opens and reuses execution contexts.
//   - Acquire returns the slot's live context or creates one.
//   - Dispatch starts work in the context; a stale handle is replaced and the
//     rebound handle returned.
//   - Closed delivers handles destroyed out of band (never those released via
//     Release).
type ContextManager interface {
	Acquire(ctx context.Context, slot SlotID) (ContextHandle, error)
	Dispatch(ctx context.Context, handle ContextHandle, item WorkItem) (ContextHandle, error)
	Release(ctx context.Context, handle ContextHandle) error
	Closed() <-chan ContextHandle
}

// Completer receives direct completion signals from extractors. The bool
// reports whether the signal advanced an in-flight item.
type Completer interface {
	ItemCompleted(ctx context.Context, completion Completion) (bool, error)
}

// BlobStore writes archived artifacts and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes payloads to a topic (Pub/Sub or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
