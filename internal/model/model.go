// Package model owns the face detection model lifecycle: loading it on demand,
// sharing one in-flight load between callers, and releasing it with forced
// memory reclamation when detection is not scheduled.
package model

import (
	"context"
	"time"
)

// Point is a landmark coordinate in frame pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Face is one detected face.
type Face struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"w"`
	Height     int     `json:"h"`
	Confidence float64 `json:"confidence"`
	Landmarks  []Point `json:"landmarks,omitempty"`
}

// DetectOptions are forwarded to the detector.
type DetectOptions struct {
	Threshold   float64
	MinFaceSize int
}

// Result is the outcome of one detection call.
type Result struct {
	Faces    []Face
	Duration time.Duration
}

// AssetSource makes the model asset available locally.
type AssetSource interface {
	// EnsureAssetAvailable returns a local path to the model asset.
	EnsureAssetAvailable(ctx context.Context) (string, error)
}

// Runtime turns a model asset into a running Detector.
type Runtime interface {
	Load(ctx context.Context, assetPath string) (Detector, error)
}

// Detector runs inference on PNG-encoded frames. Detect must honor ctx.
type Detector interface {
	Detect(ctx context.Context, png []byte, opts DetectOptions) ([]Face, error)
	Close() error
}

// Recorder receives lifecycle measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordModelLoad(d time.Duration, err error)
	RecordModelRelease(rssFreedBytes int64)
	SetModelLoaded(loaded bool)
	RecordDetection(d time.Duration, faces int, err error)
}

type noopRecorder struct{}

func (noopRecorder) RecordModelLoad(time.Duration, error)      {}
func (noopRecorder) RecordModelRelease(int64)                  {}
func (noopRecorder) SetModelLoaded(bool)                       {}
func (noopRecorder) RecordDetection(time.Duration, int, error) {}
