package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/classwatch/classwatch/internal/calendar"
	"github.com/classwatch/classwatch/internal/capture"
	"github.com/classwatch/classwatch/internal/clock"
	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/model"
)

var testPNG = []byte("\x89PNG\r\n\x1a\nframe")

// fakeDevice grabs queued frames, then testPNG. failNext makes the next n
// grabs fail; block makes grabs wait for ctx.
type fakeDevice struct {
	failNext atomic.Int32
	block    atomic.Bool
	grabs    atomic.Int32

	mu    sync.Mutex
	queue [][]byte
}

func (d *fakeDevice) enqueue(frames ...[]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, frames...)
}

func (d *fakeDevice) next() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return testPNG
	}
	b := d.queue[0]
	d.queue = d.queue[1:]
	return b
}

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) Open(context.Context) (capture.Session, error) {
	return fakeSession{d}, nil
}

type fakeSession struct{ d *fakeDevice }

func (s fakeSession) Grab(ctx context.Context) (capture.Frame, error) {
	s.d.grabs.Add(1)
	if s.d.block.Load() {
		<-ctx.Done()
		return capture.Frame{}, ctx.Err()
	}
	if s.d.failNext.Load() > 0 {
		s.d.failNext.Add(-1)
		return capture.Frame{}, fmt.Errorf("display unavailable")
	}
	return capture.Frame{PNG: s.d.next(), CapturedAt: time.Now(), Source: "fake"}, nil
}

func (fakeSession) Close() error { return nil }

type fakeAsset struct{}

func (fakeAsset) EnsureAssetAvailable(context.Context) (string, error) {
	return "faces.onnx", nil
}

type fakeRuntime struct {
	faces     []model.Face
	detectErr error
	loads     atomic.Int32
}

func (r *fakeRuntime) Load(context.Context, string) (model.Detector, error) {
	r.loads.Add(1)
	return fakeDetector{r}, nil
}

type fakeDetector struct{ r *fakeRuntime }

func (d fakeDetector) Detect(context.Context, []byte, model.DetectOptions) ([]model.Face, error) {
	if d.r.detectErr != nil {
		return nil, d.r.detectErr
	}
	return append([]model.Face(nil), d.r.faces...), nil
}

func (fakeDetector) Close() error { return nil }

type fakePhases struct {
	phase  atomic.Int32
	starts atomic.Int32
	stops  atomic.Int32
}

func (f *fakePhases) Phase() dutycycle.Phase { return dutycycle.Phase(f.phase.Load()) }
func (f *fakePhases) set(p dutycycle.Phase)  { f.phase.Store(int32(p)) }
func (f *fakePhases) Start()                 { f.starts.Add(1) }
func (f *fakePhases) Stop()                  { f.stops.Add(1) }

// hookedDetector runs beforeRelease ahead of every ReleaseUnlessWanted.
type hookedDetector struct {
	Detector
	beforeRelease func()
}

func (d hookedDetector) ReleaseUnlessWanted() (bool, error) {
	if d.beforeRelease != nil {
		d.beforeRelease()
	}
	return d.Detector.ReleaseUnlessWanted()
}

func boundController(t *testing.T, h *harness) *dutycycle.Controller {
	t.Helper()
	ctrl, err := dutycycle.New(h.cal, h.clock, dutycycle.DefaultConfig(), dutycycle.WithLogger(logger.NewNopLogger()))
	require.NoError(t, err)
	h.model.Bind(ctrl)
	return ctrl
}

type summaryRecorder struct {
	mu   sync.Mutex
	sums []PeriodSummary
}

func (r *summaryRecorder) SavePeriodSummary(_ context.Context, s PeriodSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sums = append(r.sums, s)
	return nil
}

func (r *summaryRecorder) all() []PeriodSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sums)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses map[string]int
	dropped  int
}

func (r *statusRecorder) RecordCapture(trigger, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]int)
	}
	r.statuses[trigger+"/"+status]++
}

func (r *statusRecorder) RecordEventDropped(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func (r *statusRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[key]
}

func at(hhmmss string) time.Time {
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", "2024-09-02 "+hhmmss, time.UTC)
	if err != nil {
		panic(err)
	}
	return ts
}

func testCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	cal, err := calendar.New(calendar.Config{
		Periods: []calendar.Period{
			{ID: "1st-period", Start: calendar.MustParseTimeOfDay("09:30"), End: calendar.MustParseTimeOfDay("10:30"), Enabled: true},
			{ID: "2nd-period", Start: calendar.MustParseTimeOfDay("10:30"), End: calendar.MustParseTimeOfDay("11:30"), Enabled: true},
		},
		Window:   calendar.Offsets{StartMinutes: 35, EndMinutes: 40},
		Location: time.UTC,
	})
	require.NoError(t, err)
	return cal
}

type harness struct {
	p       *Pipeline
	clock   *clock.Fake
	cal     *calendar.Calendar
	device  *fakeDevice
	runtime *fakeRuntime
	model   *model.Manager
	pool    *capture.Pool
	phases  *fakePhases
	recent  *RecentSink
	rec     *statusRecorder
	sums    *summaryRecorder
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	cfg.CaptureTimeout = 2 * time.Second
	cfg.DisableScheduled = true
	return cfg
}

// newHarness wires a pipeline over fakes. withPhases may supply the phase
// controller; nil uses a fakePhases.
func newHarness(t *testing.T, now time.Time, cfg Config, withPhases func(*harness) PhaseController) *harness {
	t.Helper()
	return newHarnessWith(t, now, cfg, withPhases, nil)
}

// newHarnessWith is newHarness with an optional wrapper around the model
// the pipeline sees.
func newHarnessWith(t *testing.T, now time.Time, cfg Config, withPhases func(*harness) PhaseController, wrap func(*harness, Detector) Detector) *harness {
	t.Helper()
	nop := logger.NewNopLogger()
	h := &harness{
		clock:   clock.NewFake(now),
		cal:     testCalendar(t),
		device:  &fakeDevice{},
		runtime: &fakeRuntime{faces: []model.Face{{X: 10, Y: 10, Width: 40, Height: 40, Confidence: 0.95}}},
		recent:  NewRecentSink(100),
		rec:     &statusRecorder{},
		sums:    &summaryRecorder{},
	}
	h.model = model.NewManager(fakeAsset{}, h.runtime, model.DefaultConfig(), model.WithLogger(nop))
	h.pool = capture.NewPool(h.device, capture.WithPoolLogger(nop))
	h.phases = &fakePhases{}
	var phases PhaseController = h.phases
	if withPhases != nil {
		phases = withPhases(h)
	}

	var det Detector = h.model
	if wrap != nil {
		det = wrap(h, det)
	}

	p, err := New(cfg, Deps{
		Calendar:  h.cal,
		Phases:    phases,
		Model:     det,
		Pool:      h.pool,
		Clock:     h.clock,
		Sinks:     []Sink{h.recent},
		Summaries: []SummaryWriter{h.sums},
	}, WithLogger(nop), WithRecorder(h.rec))
	require.NoError(t, err)
	h.p = p
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.p.Stop(ctx))
}

func storedEvents(events []CaptureEvent) []CaptureEvent {
	var out []CaptureEvent
	for _, ev := range events {
		if ev.Stored {
			out = append(out, ev)
		}
	}
	return out
}
