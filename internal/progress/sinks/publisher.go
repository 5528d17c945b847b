package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dinoz0rg/telegram-txt-downloader/internal/ingest"
	"github.com/dinoz0rg/telegram-txt-downloader/internal/progress"
)

// PublisherSink forwards job lifecycle events to a message broker so external
// consumers can track runs without polling the status endpoint. Per-file
// events are filtered out to keep broker volume low.
type PublisherSink struct {
	publisher ingest.Publisher
	topic     string
	logger    *zap.Logger
}

// eventMessage is the broker payload for one lifecycle event.
type eventMessage struct {
	JobID string    `json:"job_id"`
	Kind  string    `json:"kind"`
	Stage string    `json:"stage"`
	TS    time.Time `json:"ts"`
	Note  string    `json:"note,omitempty"`
}

// NewPublisherSink constructs a PublisherSink for the provided publisher and
// topic.
func NewPublisherSink(publisher ingest.Publisher, topic string, logger *zap.Logger) (*PublisherSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublisherSink{publisher: publisher, topic: topic, logger: logger}, nil
}

// Consume publishes each lifecycle event in the batch. It respects ctx
// deadlines and returns the first publish error.
func (s *PublisherSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart, progress.StageJobDone, progress.StageJobError,
			progress.StageJobStopped, progress.StageJobCancelled:
		default:
			continue
		}
		msg := eventMessage{
			JobID: evt.JobUUID().String(),
			Kind:  evt.Kind,
			Stage: string(evt.Stage),
			TS:    evt.TS,
			Note:  evt.Note,
		}
		if _, err := s.publisher.Publish(ctx, s.topic, msg); err != nil {
			return fmt.Errorf("publish job event: %w", err)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
