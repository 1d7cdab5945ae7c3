package pipeline

import (
	"time"

	"github.com/classwatch/classwatch/internal/model"
)

// Trigger names what caused a capture.
type Trigger string

const (
	TriggerPeriodic  Trigger = "periodic"
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// CaptureEvent is the outcome of one capture-and-detect action. Events are
// values; nothing mutates an event after it is published.
type CaptureEvent struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	PeriodID       string        `json:"period_id,omitempty"`
	PeriodInstance string        `json:"period_instance,omitempty"`
	FrameRef       string        `json:"frame_ref,omitempty"`
	FaceCount      int           `json:"face_count"`
	Faces          []model.Face  `json:"faces,omitempty"`
	Present        bool          `json:"present"`
	Trigger        Trigger       `json:"trigger"`
	Stored         bool          `json:"stored"`
	Success        bool          `json:"success"`
	ErrorKind      string        `json:"error_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// InstanceKey identifies the period instance the event belongs to.
func (e CaptureEvent) InstanceKey() string {
	return e.PeriodInstance + "/" + e.PeriodID
}

// Period summary outcomes.
const (
	SummarySuccess = "success"
	SummaryFailed  = "failed"
)

// PeriodSummary records what was kept for one period instance once it
// ended. Files are ranked sharpest first.
type PeriodSummary struct {
	PeriodInstance string    `json:"period_instance"`
	PeriodID       string    `json:"period_id"`
	Attempts       int       `json:"attempts"`
	Files          []string  `json:"files"`
	Sharpness      []float64 `json:"sharpness"`
	Status         string    `json:"status"`
	FlushedAt      time.Time `json:"flushed_at"`
}
