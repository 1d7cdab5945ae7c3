package datastore

import "time"

// CaptureRecord is one persisted capture event.
type CaptureRecord struct {
	ID             uint      `gorm:"primaryKey"`
	EventID        string    `gorm:"uniqueIndex;size:36"`
	Timestamp      time.Time `gorm:"index"`
	PeriodID       string    `gorm:"index:idx_capture_instance_period"`
	PeriodInstance string    `gorm:"index:idx_capture_instance_period"`
	Trigger        string
	FrameRef       string
	FaceCount      int
	// Faces is the detected boxes as JSON.
	Faces          string
	Present        bool
	Stored         bool `gorm:"index"`
	Success        bool
	ErrorKind      string
	Error          string
	DurationMillis int64
}

// PeriodSummaryRecord is written once per period instance when its best
// frames are flushed.
type PeriodSummaryRecord struct {
	ID             uint   `gorm:"primaryKey"`
	PeriodInstance string `gorm:"uniqueIndex:idx_summary_instance_period;size:10"`
	PeriodID       string `gorm:"uniqueIndex:idx_summary_instance_period;size:64"`
	Attempts       int
	FrameCount     int
	// Files is the written frame paths as JSON, sharpest first.
	Files     string
	Status    string `gorm:"index"`
	FlushedAt time.Time
}

// PhaseRecord is one persisted duty-cycle transition.
type PhaseRecord struct {
	ID        uint      `gorm:"primaryKey"`
	At        time.Time `gorm:"index"`
	FromPhase string
	ToPhase   string
	PeriodID  string
	Instance  string
}
