package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/progress"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// PubSubSink republishes events as JSON messages on a topic so downstream
// services can react to finished runs.
type PubSubSink struct {
	publisher    queue.Publisher
	topic        string
	terminalOnly bool
	logger       *zap.Logger
}

// NewPubSubSink builds a sink publishing to topic. With terminalOnly set only
// finished and aborted events are forwarded.
func NewPubSubSink(publisher queue.Publisher, topic string, terminalOnly bool, logger *zap.Logger) (*PubSubSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{publisher: publisher, topic: topic, terminalOnly: terminalOnly, logger: logger}, nil
}

// Consume publishes each selected event and joins publish failures.
func (s *PubSubSink) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if s.terminalOnly && !evt.Stage.Terminal() {
			continue
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt.Message())
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s: %w", evt.Stage, err))
			continue
		}
		s.logger.Debug("progress event published", zap.String("stage", string(evt.Stage)), zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; the publisher is owned by the caller.
func (s *PubSubSink) Close(context.Context) error {
	return nil
}
