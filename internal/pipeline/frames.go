package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/classwatch/classwatch/internal/capture"
	"github.com/classwatch/classwatch/internal/errors"
)

const framePermissions = 0o640

// FrameStore writes period frames as <YYYYMMDD>_<period>_<n>.png and manual
// captures as <YYYYMMDD>_<HHMMSS>_manual.png.
type FrameStore struct {
	Dir string
}

// FrameName returns the file name for the n-th stored frame of a period instance.
func FrameName(at time.Time, periodID string, n int) string {
	if periodID == "" {
		periodID = "unscheduled"
	}
	periodID = strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '-'
		}
		return r
	}, periodID)
	return fmt.Sprintf("%s_%s_%d.png", at.Format("20060102"), periodID, n)
}

// ManualFrameName returns the file name for a manual capture taken at at.
func ManualFrameName(at time.Time) string {
	return at.Format("20060102_150405") + "_manual.png"
}

// Save writes frame as the n-th ranked frame of a period instance and
// returns its path.
func (s FrameStore) Save(frame capture.Frame, at time.Time, periodID string, n int) (string, error) {
	return s.write(frame, FrameName(at, periodID, n))
}

// SaveManual writes a manual capture and returns its path.
func (s FrameStore) SaveManual(frame capture.Frame, at time.Time) (string, error) {
	return s.write(frame, ManualFrameName(at))
}

// write stores frame under name. A store without Dir saves nothing and
// returns the frame source.
func (s FrameStore) write(frame capture.Frame, name string) (string, error) {
	if s.Dir == "" {
		return frame.Source, nil
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", frameError(err, s.Dir)
	}
	path := filepath.Join(s.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, frame.PNG, framePermissions); err != nil {
		return "", frameError(err, path)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", frameError(err, path)
	}
	return path, nil
}

func frameError(err error, path string) error {
	return errors.New(err).
		Component("pipeline").
		Category(errors.CategoryFileIO).
		Context("path", path).
		Build()
}
