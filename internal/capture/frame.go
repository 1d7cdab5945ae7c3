// Package capture owns screen capture devices and the owner-keyed pool of
// capture handles.
//
// A handle wraps one open device session and belongs to exactly one Owner.
// Owners are created with NewOwner and cannot be forged, so a handle is only
// ever handed back to the execution context that created it. Handle use is
// never locked by the pool; each owner drives its handle serially.
package capture

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/classwatch/classwatch/internal/errors"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Frame is one captured screen image, PNG encoded.
type Frame struct {
	PNG        []byte
	CapturedAt time.Time
	// Source describes where the frame came from: a display or a replayed file.
	Source string
}

// IsPNG reports whether the frame carries a PNG signature.
func (f Frame) IsPNG() bool {
	return bytes.HasPrefix(f.PNG, pngSignature)
}

// Region is a rectangular screen area in pixels.
type Region struct {
	X      int `yaml:"x" json:"x"`
	Y      int `yaml:"y" json:"y"`
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// ParseRegion parses "x,y,w,h". An empty string returns nil (full screen).
func ParseRegion(s string) (*Region, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, regionError(s, fmt.Errorf("want x,y,w,h, got %d values", len(parts)))
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, regionError(s, err)
		}
		vals[i] = v
	}
	r := &Region{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate rejects negative offsets and empty areas.
func (r Region) Validate() error {
	if r.X < 0 || r.Y < 0 {
		return regionError(r.String(), errors.NewStd("offsets must not be negative"))
	}
	if r.Width <= 0 || r.Height <= 0 {
		return regionError(r.String(), errors.NewStd("width and height must be positive"))
	}
	return nil
}

func (r Region) String() string {
	return fmt.Sprintf("%d,%d,%d,%d", r.X, r.Y, r.Width, r.Height)
}

func regionError(value string, err error) error {
	return errors.New(fmt.Errorf("invalid capture region %q: %w", value, err)).
		Component("capture").
		Category(errors.CategoryConfiguration).
		Context("region", value).
		Build()
}
