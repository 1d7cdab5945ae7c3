package datastore

import (
	"context"

	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/pipeline"
)

var (
	_ pipeline.Sink          = (*EventSink)(nil)
	_ pipeline.SummaryWriter = (*Store)(nil)
)

// EventSink persists capture events from the pipeline dispatcher.
type EventSink struct {
	store *Store
	// storedOnly skips events that were not stored by a forced trigger.
	storedOnly bool
}

// NewEventSink returns a sink writing to store. With storedOnly, periodic
// detections are not persisted.
func NewEventSink(store *Store, storedOnly bool) *EventSink {
	return &EventSink{store: store, storedOnly: storedOnly}
}

func (s *EventSink) Name() string { return "datastore" }

func (s *EventSink) Consume(ctx context.Context, ev pipeline.CaptureEvent) error {
	if s.storedOnly && !ev.Stored && ev.Success {
		return nil
	}
	return s.store.SaveEvent(ctx, ev)
}

// RecordPhases persists transitions from ch until it is closed.
func (s *Store) RecordPhases(ch <-chan dutycycle.PhaseChange) {
	for c := range ch {
		if err := s.SavePhaseChange(context.Background(), c); err != nil {
			s.log.Warn("Failed to persist phase change",
				logger.String("to", c.New.String()),
				logger.Error(err))
		}
	}
}
