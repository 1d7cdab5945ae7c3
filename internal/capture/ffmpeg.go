package capture

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/classwatch/classwatch/internal/errors"
)

// DefaultGrabTimeout bounds a single ffmpeg frame grab when neither the
// device nor the caller sets a deadline.
const DefaultGrabTimeout = 4 * time.Second

const stderrTail = 1024

// FFmpegDevice grabs single frames of the desktop with ffmpeg.
type FFmpegDevice struct {
	// FFmpegPath is the ffmpeg binary. Empty means "ffmpeg" on PATH.
	FFmpegPath string
	// Display is the X11 display on Linux. Empty means ":0".
	Display string
	// Monitor selects the screen: X11 screen number or avfoundation device index.
	Monitor int
	// Region limits the grab to an area. Nil grabs the whole monitor.
	Region  *Region
	Timeout time.Duration
	// GOOS overrides runtime.GOOS when building arguments.
	GOOS string
}

// Name describes the device for logs and errors.
func (d *FFmpegDevice) Name() string {
	name := "ffmpeg:" + d.format()
	if d.Region != nil {
		name += "[" + d.Region.String() + "]"
	}
	return name
}

// Open resolves the ffmpeg binary. Frames are grabbed one process per Grab.
func (d *FFmpegDevice) Open(_ context.Context) (Session, error) {
	bin := d.FFmpegPath
	if bin == "" {
		bin = "ffmpeg"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, captureError(fmt.Errorf("ffmpeg not available: %w", err), d.Name()).
			Context("ffmpeg_path", bin).
			Build()
	}
	return &ffmpegSession{device: d, path: path, args: d.Args()}, nil
}

func (d *FFmpegDevice) goos() string {
	if d.GOOS != "" {
		return d.GOOS
	}
	return runtime.GOOS
}

func (d *FFmpegDevice) format() string {
	switch d.goos() {
	case "windows":
		return "gdigrab"
	case "darwin":
		return "avfoundation"
	default:
		return "x11grab"
	}
}

// Args returns the ffmpeg arguments for grabbing one PNG frame to stdout.
func (d *FFmpegDevice) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", d.format()}
	var filter string

	switch d.goos() {
	case "windows":
		if r := d.Region; r != nil {
			args = append(args,
				"-offset_x", strconv.Itoa(r.X),
				"-offset_y", strconv.Itoa(r.Y),
				"-video_size", fmt.Sprintf("%dx%d", r.Width, r.Height))
		}
		args = append(args, "-i", "desktop")
	case "darwin":
		args = append(args, "-capture_cursor", "0", "-i", fmt.Sprintf("%d:none", d.Monitor))
		if r := d.Region; r != nil {
			filter = fmt.Sprintf("crop=%d:%d:%d:%d", r.Width, r.Height, r.X, r.Y)
		}
	default:
		display := d.Display
		if display == "" {
			display = ":0"
		}
		input := fmt.Sprintf("%s.%d", display, d.Monitor)
		if r := d.Region; r != nil {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", r.Width, r.Height))
			input += fmt.Sprintf("+%d,%d", r.X, r.Y)
		}
		args = append(args, "-i", input)
	}

	if filter != "" {
		args = append(args, "-vf", filter)
	}
	return append(args, "-frames:v", "1", "-f", "image2pipe", "-vcodec", "png", "pipe:1")
}

type ffmpegSession struct {
	device *FFmpegDevice
	path   string
	args   []string

	mu     sync.Mutex
	closed bool
}

func (s *ffmpegSession) Grab(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Frame{}, captureError(errors.NewStd("capture session closed"), s.device.Name()).Build()
	}

	timeout := s.device.Timeout
	if timeout <= 0 {
		timeout = DefaultGrabTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrTail}
	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second

	start := time.Now()
	err := cmd.Run()
	if ctx.Err() != nil {
		return Frame{}, captureError(ctx.Err(), s.device.Name()).
			Category(errors.CategoryTimeout).
			Timing("ffmpeg-grab", time.Since(start)).
			Build()
	}
	if err != nil {
		return Frame{}, captureError(fmt.Errorf("ffmpeg failed: %w", err), s.device.Name()).
			Context("stderr", strings.TrimSpace(stderr.String())).
			Build()
	}

	frame := Frame{PNG: stdout.Bytes(), CapturedAt: time.Now(), Source: s.device.Name()}
	if !frame.IsPNG() {
		return Frame{}, captureError(fmt.Errorf("ffmpeg produced %d bytes without a PNG signature", stdout.Len()), s.device.Name()).Build()
	}
	return frame, nil
}

func (s *ffmpegSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return n, nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
