package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ImageDirDevice replays PNG files from a directory in name order. It stands
// in for a real display in dry runs and tests.
type ImageDirDevice struct {
	Dir string
	// Loop restarts from the first image once all have been replayed.
	Loop bool
}

// Name describes the device for logs and errors.
func (d *ImageDirDevice) Name() string {
	return "imagedir:" + d.Dir
}

// Open lists the directory. A directory without PNG files is an error.
func (d *ImageDirDevice) Open(_ context.Context) (Session, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, captureError(err, d.Name()).Build()
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".png") {
			files = append(files, filepath.Join(d.Dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, captureError(fmt.Errorf("no png images in %s", d.Dir), d.Name()).Build()
	}
	slices.Sort(files)
	return &imageDirSession{device: d, files: files}, nil
}

type imageDirSession struct {
	device *ImageDirDevice
	files  []string
	next   int
	closed bool
}

func (s *imageDirSession) Grab(ctx context.Context) (Frame, error) {
	if s.closed {
		return Frame{}, captureError(fmt.Errorf("capture session closed"), s.device.Name()).Build()
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.files) {
		if !s.device.Loop {
			return Frame{}, captureError(io.EOF, s.device.Name()).Build()
		}
		s.next = 0
	}
	path := s.files[s.next]
	s.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, captureError(err, s.device.Name()).Context("file", path).Build()
	}
	frame := Frame{PNG: data, CapturedAt: time.Now(), Source: path}
	if !frame.IsPNG() {
		return Frame{}, captureError(fmt.Errorf("%s is not a png image", filepath.Base(path)), s.device.Name()).Build()
	}
	return frame, nil
}

func (s *imageDirSession) Close() error {
	s.closed = true
	return nil
}
