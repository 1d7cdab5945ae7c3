package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/pipeline"
)

// Topic suffixes under the configured prefix.
const (
	EventsTopic  = "events"
	PhaseTopic   = "phase"
	SummaryTopic = "summary"
)

// Publisher is the subset of Client used by the sinks.
type Publisher interface {
	Publish(ctx context.Context, suffix string, payload []byte, retain bool) error
	IsConnected() bool
}

// eventPayload is the wire form of a capture event. Face boxes are left out
// to keep messages small.
type eventPayload struct {
	ID         string  `json:"id"`
	Timestamp  string  `json:"timestamp"`
	Period     string  `json:"period,omitempty"`
	Instance   string  `json:"instance,omitempty"`
	Trigger    string  `json:"trigger"`
	Faces      int     `json:"faces"`
	Present    bool    `json:"present"`
	Stored     bool    `json:"stored"`
	Success    bool    `json:"success"`
	Frame      string  `json:"frame,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

type phasePayload struct {
	Phase     string `json:"phase"`
	Previous  string `json:"previous"`
	Detecting bool   `json:"detecting"`
	Period    string `json:"period,omitempty"`
	Instance  string `json:"instance,omitempty"`
	At        string `json:"at"`
}

// EventPayload encodes ev for publishing.
func EventPayload(ev pipeline.CaptureEvent) ([]byte, error) {
	return json.Marshal(eventPayload{
		ID:         ev.ID,
		Timestamp:  ev.Timestamp.Format(time.RFC3339),
		Period:     ev.PeriodID,
		Instance:   ev.PeriodInstance,
		Trigger:    string(ev.Trigger),
		Faces:      ev.FaceCount,
		Present:    ev.Present,
		Stored:     ev.Stored,
		Success:    ev.Success,
		Frame:      ev.FrameRef,
		Error:      ev.Error,
		DurationMs: float64(ev.Duration.Microseconds()) / 1000,
	})
}

// PhasePayload encodes a phase change for publishing.
func PhasePayload(c dutycycle.PhaseChange) ([]byte, error) {
	return json.Marshal(phasePayload{
		Phase:     c.New.String(),
		Previous:  c.Old.String(),
		Detecting: c.New.Detecting(),
		Period:    c.PeriodID,
		Instance:  c.Instance,
		At:        c.At.Format(time.RFC3339),
	})
}

// SummaryWriter publishes period summaries to <prefix>/summary.
type SummaryWriter struct {
	pub Publisher
}

// NewSummaryWriter returns a pipeline.SummaryWriter publishing through pub.
func NewSummaryWriter(pub Publisher) *SummaryWriter {
	return &SummaryWriter{pub: pub}
}

// SavePeriodSummary publishes sum as a retained message. Summaries are
// dropped while disconnected.
func (w *SummaryWriter) SavePeriodSummary(ctx context.Context, sum pipeline.PeriodSummary) error {
	if !w.pub.IsConnected() {
		return nil
	}
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encoding summary %s/%s: %w", sum.PeriodInstance, sum.PeriodID, err)
	}
	return w.pub.Publish(ctx, SummaryTopic, payload, true)
}

// EventSink publishes capture events to <prefix>/events.
type EventSink struct {
	pub Publisher
	log logger.Logger
}

// NewEventSink returns a pipeline sink publishing through pub.
func NewEventSink(pub Publisher) *EventSink {
	return &EventSink{pub: pub, log: GetLogger()}
}

func (s *EventSink) Name() string { return "mqtt" }

// Consume publishes ev. Events are dropped while disconnected.
func (s *EventSink) Consume(ctx context.Context, ev pipeline.CaptureEvent) error {
	if !s.pub.IsConnected() {
		s.log.Debug("Skipping event publish, not connected", logger.String("event_id", ev.ID))
		return nil
	}
	payload, err := EventPayload(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.ID, err)
	}
	return s.pub.Publish(ctx, EventsTopic, payload, false)
}

// PublishPhases publishes each change from ch as a retained message on
// <prefix>/phase until ch is closed.
func PublishPhases(pub Publisher, ch <-chan dutycycle.PhaseChange, timeout time.Duration) {
	log := GetLogger()
	for c := range ch {
		if !pub.IsConnected() {
			continue
		}
		payload, err := PhasePayload(c)
		if err != nil {
			log.Warn("Failed to encode phase change", logger.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := pub.Publish(ctx, PhaseTopic, payload, true); err != nil {
			log.Warn("Failed to publish phase change",
				logger.String("phase", c.New.String()),
				logger.Error(err))
		}
		cancel()
	}
}
