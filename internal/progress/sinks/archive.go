package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/progress"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// Archive is the document written when a run ends.
type Archive struct {
	RunID      string         `json:"run_id"`
	Outcome    string         `json:"outcome"`
	Done       int            `json:"done"`
	Total      int            `json:"total"`
	Note       string         `json:"note,omitempty"`
	ArchivedAt time.Time      `json:"archived_at"`
	Results    []queue.Result `json:"results"`
}

// ArchiveSink snapshots the result store to a blob store whenever a run
// finishes or aborts. Objects land at <prefix>/<run id>/<digest>.json.
type ArchiveSink struct {
	results queue.ResultStore
	blobs   queue.BlobStore
	hasher  queue.Hasher
	prefix  string
	logger  *zap.Logger
}

// NewArchiveSink wires the archive dependencies.
func NewArchiveSink(
	results queue.ResultStore,
	blobs queue.BlobStore,
	hasher queue.Hasher,
	prefix string,
	logger *zap.Logger,
) (*ArchiveSink, error) {
	if results == nil || blobs == nil || hasher == nil {
		return nil, fmt.Errorf("archive sink requires result store, blob store, and hasher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "runs"
	}
	return &ArchiveSink{results: results, blobs: blobs, hasher: hasher, prefix: prefix, logger: logger}, nil
}

// Consume archives once per terminal event in the batch.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if !evt.Stage.Terminal() {
			continue
		}
		uri, err := s.archive(ctx, evt)
		if err != nil {
			return err
		}
		s.logger.Info("run results archived",
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("uri", uri))
	}
	return nil
}

func (s *ArchiveSink) archive(ctx context.Context, evt progress.Event) (string, error) {
	results, err := s.results.ListResults(ctx)
	if err != nil {
		return "", fmt.Errorf("list results: %w", err)
	}
	doc := Archive{
		RunID:      evt.RunUUID().String(),
		Outcome:    evt.Message().Type,
		Done:       evt.Done,
		Total:      evt.Total,
		Note:       evt.Note,
		ArchivedAt: evt.TS,
		Results:    results,
	}
	if doc.Results == nil {
		doc.Results = []queue.Result{}
	}
	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal archive: %w", err)
	}
	digest, err := s.hasher.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash archive: %w", err)
	}
	if len(digest) > 16 {
		digest = digest[:16]
	}
	objectPath := path.Join(s.prefix, doc.RunID, digest+".json")
	uri, err := s.blobs.PutObject(ctx, objectPath, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("put archive: %w", err)
	}
	return uri, nil
}

// Close implements the Sink interface; it performs no action.
func (s *ArchiveSink) Close(context.Context) error {
	return nil
}
