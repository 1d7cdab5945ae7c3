// Package pipeline drives screen captures and detections: a periodic ticker
// that detects only while the duty cycle allows it, a cron-scheduled forced
// trigger capped per period instance, and a manual trigger. Outcomes are
// published as CaptureEvents on a bounded stream and fanned out to sinks.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/classwatch/classwatch/internal/calendar"
	"github.com/classwatch/classwatch/internal/capture"
	"github.com/classwatch/classwatch/internal/clock"
	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/model"
)

const (
	DefaultInterval         = 5 * time.Second
	DefaultCaptureTimeout   = 4 * time.Second
	DefaultPerPeriodCap     = 5
	DefaultRequiredFaces    = 1
	DefaultErrorLogInterval = 30 * time.Second

	instanceDateLayout = "2006-01-02"
)

// Capture outcome labels passed to the Recorder.
const (
	StatusStored         = "stored"
	StatusNoFaces        = "no_faces"
	StatusDetected       = "detected"
	StatusDiscarded      = "discarded"
	StatusCapped         = "capped"
	StatusCaptureError   = "capture_error"
	StatusModelError     = "model_error"
	StatusDetectionError = "detection_error"
)

// ErrStopped is returned by triggers once Stop has begun.
var ErrStopped = errors.NewStd("pipeline stopped")

// Calendar is the schedule view the pipeline needs.
type Calendar interface {
	WindowLister
	WindowAt(t time.Time) (calendar.ActiveWindow, bool)
	PeriodAt(t time.Time) (calendar.Period, bool)
	Location() *time.Location
}

// PhaseController owns the duty-cycle phase.
type PhaseController interface {
	Phase() dutycycle.Phase
	Start()
	Stop()
}

// Detector is the model lifecycle the pipeline drives.
type Detector interface {
	Loaded() bool
	EnsureLoaded(ctx context.Context) (*model.Handle, error)
	Rearm()
	Detect(ctx context.Context, png []byte) (model.Result, error)
	ReleaseUnlessWanted() (bool, error)
	Release() error
}

// Recorder receives pipeline metrics.
type Recorder interface {
	RecordCapture(trigger string, status string, d time.Duration)
	RecordEventDropped(trigger string)
}

// SinkErrorRecorder is optionally implemented by a Recorder to count sink
// failures.
type SinkErrorRecorder interface {
	RecordSinkError(sink string)
}

type noopRecorder struct{}

func (noopRecorder) RecordCapture(string, string, time.Duration) {}
func (noopRecorder) RecordEventDropped(string)                   {}

// Config tunes the pipeline.
type Config struct {
	Interval       time.Duration
	CaptureTimeout time.Duration
	PerPeriodCap   int
	RequiredFaces  int
	// BestFrames is how many of the sharpest frames with faces are written
	// per period instance when it ends.
	BestFrames int
	// ScheduledTimes overrides the scheduled trigger times. Nil derives one
	// firing per minute of every detection window.
	ScheduledTimes   []calendar.TimeOfDay
	DisableScheduled bool
	ErrorLogInterval time.Duration
	OutputDir        string
	Stream           StreamConfig
	SinkTimeout      time.Duration
}

// DefaultConfig returns the stock pipeline settings.
func DefaultConfig() Config {
	return Config{
		Interval:         DefaultInterval,
		CaptureTimeout:   DefaultCaptureTimeout,
		PerPeriodCap:     DefaultPerPeriodCap,
		RequiredFaces:    DefaultRequiredFaces,
		BestFrames:       DefaultBestFrames,
		ErrorLogInterval: DefaultErrorLogInterval,
		Stream: StreamConfig{
			Buffer:       DefaultStreamBuffer,
			Policy:       DropOldest,
			BlockTimeout: DefaultStreamBlockTimeout,
		},
		SinkTimeout: DefaultSinkTimeout,
	}
}

// Validate checks the timing relationships.
func (c Config) Validate() error {
	switch {
	case c.Interval <= 0:
		return configError("capture interval must be positive")
	case c.CaptureTimeout <= 0:
		return configError("capture timeout must be positive")
	case c.CaptureTimeout >= c.Interval:
		return configError(fmt.Sprintf("capture timeout %s must be shorter than the capture interval %s",
			c.CaptureTimeout, c.Interval))
	case c.PerPeriodCap < 0:
		return configError("per-period cap must not be negative")
	case c.RequiredFaces < 0:
		return configError("required faces must not be negative")
	case c.BestFrames < 0:
		return configError("best frames must not be negative")
	}
	if _, err := ParseOverflowPolicy(string(c.Stream.Policy)); err != nil {
		return configError(err.Error())
	}
	return nil
}

func configError(msg string) error {
	return errors.Newf("invalid pipeline config: %s", msg).
		Component("pipeline").
		Category(errors.CategoryConfiguration).
		Build()
}

// Deps are the collaborators a Pipeline drives.
type Deps struct {
	Calendar Calendar
	Phases   PhaseController
	Model    Detector
	Pool     *capture.Pool
	Clock    clock.Clock
	Sinks    []Sink
	// Summaries receive one record per flushed period instance.
	Summaries []SummaryWriter
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.rec = r }
}

// runner serializes one trigger's work on its own capture owner.
type runner struct {
	trigger Trigger
	owner   capture.Owner
	mu      sync.Mutex
}

func newRunner(t Trigger) *runner {
	return &runner{trigger: t, owner: capture.NewOwner(string(t))}
}

// Pipeline runs the capture triggers and owns the event stream.
type Pipeline struct {
	cfg       Config
	cal       Calendar
	phases    PhaseController
	model     Detector
	pool      *capture.Pool
	clock     clock.Clock
	log       logger.Logger
	rec       Recorder
	frames    FrameStore
	stream    *EventStream
	dispatch  *Dispatcher
	counters  *periodCounters
	archive   *frameArchive
	summaries []SummaryWriter

	periodic  *runner
	scheduled *runner
	manual    *runner

	errLimiter *rate.Limiter
	suppressed atomic.Uint64
	lastDay    atomic.Value

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup

	// mu guards the lifecycle flags and the scheduler
	mu        sync.Mutex
	started   bool
	stopping  bool
	scheduler *cron.Cron
	times     []calendar.TimeOfDay

	stopOnce sync.Once
	stopErr  error
}

// New validates cfg and wires a stopped pipeline.
func New(cfg Config, deps Deps, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Calendar == nil || deps.Phases == nil || deps.Model == nil || deps.Pool == nil {
		return nil, configError("calendar, phase controller, model and capture pool are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if cfg.ErrorLogInterval <= 0 {
		cfg.ErrorLogInterval = DefaultErrorLogInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:        cfg,
		cal:        deps.Calendar,
		phases:     deps.Phases,
		model:      deps.Model,
		pool:       deps.Pool,
		clock:      deps.Clock,
		rec:        noopRecorder{},
		frames:     FrameStore{Dir: cfg.OutputDir},
		counters:   newPeriodCounters(),
		archive:    newFrameArchive(cfg.BestFrames),
		summaries:  deps.Summaries,
		periodic:   newRunner(TriggerPeriodic),
		scheduled:  newRunner(TriggerScheduled),
		manual:     newRunner(TriggerManual),
		errLimiter: rate.NewLimiter(rate.Every(cfg.ErrorLogInterval), 1),
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = GetLogger()
	}
	p.stream = NewEventStream(cfg.Stream, func(ev CaptureEvent) {
		p.rec.RecordEventDropped(string(ev.Trigger))
	})
	p.dispatch = NewDispatcher(p.stream, deps.Sinks, cfg.SinkTimeout, p.log)
	if sr, ok := p.rec.(SinkErrorRecorder); ok {
		p.dispatch.onError = sr.RecordSinkError
	}
	return p, nil
}

// Start launches the duty cycle, the periodic ticker, the scheduled trigger
// and the event dispatcher.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrStopped
	}
	if p.started {
		return errors.Newf("pipeline already started").
			Component("pipeline").
			Category(errors.CategoryState).
			Build()
	}

	times := p.cfg.ScheduledTimes
	if times == nil && !p.cfg.DisableScheduled {
		times = ScheduledTimes(p.cal, p.clock.Now())
	}
	if !p.cfg.DisableScheduled && len(times) > 0 {
		sched := newScheduler(p.cal.Location(), p.log.Module("scheduled"))
		for _, spec := range CronSpecs(times) {
			if _, err := sched.AddFunc(spec, p.onScheduled); err != nil {
				return errors.New(fmt.Errorf("scheduling %q: %w", spec, err)).
					Component("pipeline").
					Category(errors.CategoryConfiguration).
					Build()
			}
		}
		p.scheduler = sched
		p.times = times
	}

	p.started = true
	go p.dispatch.Run(p.ctx)
	p.phases.Start()

	ticker := p.clock.NewTicker(p.cfg.Interval)
	p.wg.Add(1)
	go p.runPeriodic(ticker)

	if p.scheduler != nil {
		p.scheduler.Start()
	}

	p.log.Info("Capture pipeline started",
		logger.Duration("interval", p.cfg.Interval),
		logger.Duration("capture_timeout", p.cfg.CaptureTimeout),
		logger.Int("per_period_cap", p.cfg.PerPeriodCap),
		logger.Int("scheduled_firings", len(p.times)))
	return nil
}

// beginWork registers in-flight work unless teardown has begun.
func (p *Pipeline) beginWork() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Pipeline) runPeriodic(ticker clock.Ticker) {
	defer p.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C():
			p.safeRun(TriggerPeriodic, func() { p.periodicTick(p.ctx) })
		}
	}
}

func (p *Pipeline) onScheduled() {
	if !p.beginWork() {
		return
	}
	defer p.wg.Done()
	p.safeRun(TriggerScheduled, func() {
		_, _ = p.runForced(p.ctx, p.scheduled)
	})
}

// safeRun keeps a panicking trigger from taking the process down.
func (p *Pipeline) safeRun(t Trigger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Capture trigger panicked",
				logger.String("trigger", string(t)),
				logger.Any("panic", r))
		}
	}()
	fn()
}

// FireScheduled runs the scheduled capture once, as the cron trigger does.
// Once the period instance reaches its cap the call is a no-op that returns
// a zero event and no error.
func (p *Pipeline) FireScheduled(ctx context.Context) (CaptureEvent, error) {
	if !p.beginWork() {
		return CaptureEvent{}, ErrStopped
	}
	defer p.wg.Done()
	ctx, cancel := p.workContext(ctx)
	defer cancel()
	return p.runForced(ctx, p.scheduled)
}

// TriggerNow captures and detects immediately regardless of phase. Manual
// captures are stored even past the per-period cap and count towards it.
func (p *Pipeline) TriggerNow(ctx context.Context) (CaptureEvent, error) {
	if !p.beginWork() {
		return CaptureEvent{}, ErrStopped
	}
	defer p.wg.Done()
	ctx, cancel := p.workContext(ctx)
	defer cancel()
	return p.runForced(ctx, p.manual)
}

// workContext ends when either ctx or the pipeline is cancelled.
func (p *Pipeline) workContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (p *Pipeline) periodicTick(ctx context.Context) {
	r := p.periodic
	r.mu.Lock()
	defer r.mu.Unlock()

	start := p.clock.Now()
	p.pruneCounters(start)
	p.rollover(ctx, start)

	frame, err := p.captureFrame(ctx, r)
	if err != nil {
		p.rec.RecordCapture(string(r.trigger), StatusCaptureError, p.clock.Now().Sub(start))
		return
	}

	if !p.phases.Phase().Detecting() || !p.model.Loaded() {
		p.rec.RecordCapture(string(r.trigger), StatusDiscarded, p.clock.Now().Sub(start))
		return
	}

	ev := p.newEvent(r.trigger, start)
	res, err := p.model.Detect(ctx, frame.PNG)
	if errors.Is(err, model.ErrNotLoaded) {
		// released between the check and the call
		p.rec.RecordCapture(string(r.trigger), StatusDiscarded, p.clock.Now().Sub(start))
		return
	}
	if err != nil {
		p.fail(&ev, err, StatusDetectionError, start)
		p.emit(ev)
		return
	}
	p.fillDetection(&ev, frame, res)
	ev.FrameRef = frame.Source
	p.keepFrame(ev, start, frame)
	ev.Duration = p.clock.Now().Sub(start)
	p.rec.RecordCapture(string(r.trigger), StatusDetected, ev.Duration)
	p.emit(ev)
}

// runForced is the scheduled and manual path: capture, load the model if
// needed, detect and store. Only frames with faces are stored; they count
// towards the cap and compete for the period's best-frame slots. The model
// is released afterwards unless the duty cycle holds it.
func (p *Pipeline) runForced(ctx context.Context, r *runner) (CaptureEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := p.clock.Now()
	p.rollover(ctx, start)
	ev := p.newEvent(r.trigger, start)
	counter := p.counters.get(ev.InstanceKey())

	capped := r.trigger == TriggerScheduled
	if capped {
		if !counter.TryReserve(p.cfg.PerPeriodCap) {
			p.log.Debug("Period capture cap reached, skipping scheduled capture",
				logger.String("period", ev.PeriodID),
				logger.String("instance", ev.PeriodInstance),
				logger.Int("cap", p.cfg.PerPeriodCap))
			p.rec.RecordCapture(string(r.trigger), StatusCapped, 0)
			return CaptureEvent{}, nil
		}
	}
	committed := false
	defer func() {
		if capped && !committed {
			counter.Abort()
		}
	}()

	frame, err := p.captureFrame(ctx, r)
	if err != nil {
		p.fail(&ev, err, StatusCaptureError, start)
		p.emit(ev)
		return ev, err
	}

	defer p.releaseAfterForced()
	if err := p.ensureModel(ctx); err != nil {
		p.fail(&ev, err, StatusModelError, start)
		p.emit(ev)
		return ev, err
	}

	res, err := p.model.Detect(ctx, frame.PNG)
	if err != nil {
		p.fail(&ev, err, StatusDetectionError, start)
		p.emit(ev)
		return ev, err
	}
	p.fillDetection(&ev, frame, res)
	if r.trigger == TriggerManual {
		p.saveManualFrame(&ev, frame, start)
	}
	p.keepFrame(ev, start, frame)

	if ev.FaceCount == 0 {
		ev.Duration = p.clock.Now().Sub(start)
		p.rec.RecordCapture(string(r.trigger), StatusNoFaces, ev.Duration)
		p.emit(ev)
		return ev, nil
	}

	if capped {
		counter.Commit()
	} else {
		counter.Add()
	}
	committed = true
	ev.Stored = true
	ev.Duration = p.clock.Now().Sub(start)
	p.rec.RecordCapture(string(r.trigger), StatusStored, ev.Duration)
	p.emit(ev)
	return ev, nil
}

// saveManualFrame writes a manual capture right away so a one-shot run
// leaves the frame behind.
func (p *Pipeline) saveManualFrame(ev *CaptureEvent, frame capture.Frame, start time.Time) {
	path, err := p.frames.SaveManual(frame, start.In(p.cal.Location()))
	if err != nil {
		p.log.Warn("Failed to save manual capture",
			logger.String("event_id", ev.ID),
			logger.Error(err))
		return
	}
	ev.FrameRef = path
}

func (p *Pipeline) ensureModel(ctx context.Context) error {
	if p.model.Loaded() {
		return nil
	}
	// a forced capture is a fresh attempt even after a recorded failure
	p.model.Rearm()
	_, err := p.model.EnsureLoaded(ctx)
	return err
}

// releaseAfterForced drops the model a forced capture loaded unless the duty
// cycle holds it. The manager decides under its own lock.
func (p *Pipeline) releaseAfterForced() {
	if _, err := p.model.ReleaseUnlessWanted(); err != nil {
		p.log.Warn("Model release after forced capture failed", logger.Error(err))
	}
}

func (p *Pipeline) captureFrame(ctx context.Context, r *runner) (capture.Frame, error) {
	h, err := p.pool.Acquire(ctx, r.owner)
	if err != nil {
		p.logCaptureError(r.trigger, err)
		return capture.Frame{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CaptureTimeout)
	defer cancel()
	frame, err := h.Capture(ctx)
	if err != nil {
		// reopen on the next attempt in case the device went away
		if cerr := p.pool.Cleanup(r.owner); cerr != nil {
			err = errors.Join(err, cerr)
		}
		p.logCaptureError(r.trigger, err)
		return capture.Frame{}, err
	}
	return frame, nil
}

// logCaptureError logs at most once per ErrorLogInterval and reports how
// many errors were suppressed in between.
func (p *Pipeline) logCaptureError(t Trigger, err error) {
	if !p.errLimiter.Allow() {
		p.suppressed.Add(1)
		return
	}
	p.log.Warn("Screen capture failed",
		logger.String("trigger", string(t)),
		logger.String("category", string(errors.CategoryOf(err))),
		logger.Uint64("suppressed", p.suppressed.Swap(0)),
		logger.Error(err))
}

func (p *Pipeline) newEvent(t Trigger, at time.Time) CaptureEvent {
	instance, periodID := p.instanceAt(at)
	return CaptureEvent{
		ID:             uuid.NewString(),
		Timestamp:      at,
		Trigger:        t,
		PeriodID:       periodID,
		PeriodInstance: instance,
	}
}

// instanceAt returns the period instance date and period ID at t. The
// period ID is empty outside every period.
func (p *Pipeline) instanceAt(at time.Time) (instance, periodID string) {
	if w, ok := p.cal.WindowAt(at); ok {
		return w.Instance, w.Period.ID
	}
	instance = at.In(p.cal.Location()).Format(instanceDateLayout)
	if period, ok := p.cal.PeriodAt(at); ok {
		periodID = period.ID
	}
	return instance, periodID
}

func (p *Pipeline) fillDetection(ev *CaptureEvent, frame capture.Frame, res model.Result) {
	ev.Success = true
	ev.Faces = res.Faces
	ev.FaceCount = len(res.Faces)
	ev.Present = ev.FaceCount >= p.cfg.RequiredFaces
	if ev.FrameRef == "" {
		ev.FrameRef = frame.Source
	}
}

func (p *Pipeline) fail(ev *CaptureEvent, err error, status string, start time.Time) {
	ev.Success = false
	ev.ErrorKind = string(errors.CategoryOf(err))
	ev.Error = err.Error()
	ev.Duration = p.clock.Now().Sub(start)
	p.rec.RecordCapture(string(ev.Trigger), status, ev.Duration)
}

func (p *Pipeline) emit(ev CaptureEvent) {
	if !p.stream.Publish(ev) {
		p.log.Debug("Capture event dropped",
			logger.String("event_id", ev.ID),
			logger.String("trigger", string(ev.Trigger)))
	}
}

func (p *Pipeline) pruneCounters(now time.Time) {
	day := now.In(p.cal.Location()).Format(instanceDateLayout)
	if prev, _ := p.lastDay.Load().(string); prev == day {
		return
	}
	p.lastDay.Store(day)
	p.counters.prune(day + "/")
	p.archive.prune(day + "/")
}

// SeedCounts raises per-instance stored counts, e.g. from persisted events,
// so a restart does not exceed the cap.
func (p *Pipeline) SeedCounts(counts map[string]int) {
	for key, n := range counts {
		p.counters.seed(key, n)
	}
}

// Status is a point-in-time view of the pipeline.
type Status struct {
	Started        bool           `json:"started"`
	Stopping       bool           `json:"stopping"`
	StoredCounts   map[string]int `json:"stored_counts"`
	PendingFrames  map[string]int `json:"pending_frames"`
	ScheduledTimes []string       `json:"scheduled_times,omitempty"`
	Buffered       int            `json:"buffered_events"`
	DroppedEvents  uint64         `json:"dropped_events"`
	PoolHandles    int            `json:"pool_handles"`
}

// Status reports counters and stream state.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	st := Status{Started: p.started, Stopping: p.stopping}
	for _, t := range p.times {
		st.ScheduledTimes = append(st.ScheduledTimes, t.String())
	}
	p.mu.Unlock()

	st.StoredCounts = p.counters.snapshot()
	st.PendingFrames = p.archive.pending()
	st.Buffered = p.stream.Len()
	st.DroppedEvents = p.stream.Dropped()
	st.PoolHandles = p.pool.Len()
	return st
}

// Stream returns the event stream.
func (p *Pipeline) Stream() *EventStream {
	return p.stream
}

// Stop tears the pipeline down: it stops the triggers and the duty cycle,
// waits for in-flight work, releases the model, closes every capture handle,
// writes the best frames of unfinished period instances and finally closes
// the event stream. If ctx ends first, in-flight work is
// cancelled and teardown continues. Stop is idempotent.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.teardown(ctx)
	})
	return p.stopErr
}

func (p *Pipeline) teardown(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	started := p.started
	sched := p.scheduler
	p.mu.Unlock()

	var errs []error

	close(p.quit)
	cronDone := context.Background().Done()
	if sched != nil {
		cronDone = sched.Stop().Done()
	}
	p.phases.Stop()

	idle := make(chan struct{})
	go func() {
		p.wg.Wait()
		if cronDone != nil {
			<-cronDone
		}
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		p.log.Warn("Teardown deadline reached, cancelling in-flight captures")
		p.cancel()
		<-idle
		errs = append(errs, errors.New(fmt.Errorf("waiting for in-flight captures: %w", ctx.Err())).
			Component("pipeline").
			Category(errors.CategoryTimeout).
			Build())
	}

	if err := p.model.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := p.pool.CleanupAll(); err != nil {
		errs = append(errs, err)
	}
	p.flushSets(ctx, p.archive.takeAll())
	p.stream.Close()

	if started {
		select {
		case <-p.dispatch.Done():
		case <-ctx.Done():
			errs = append(errs, errors.New(fmt.Errorf("draining event sinks: %w", ctx.Err())).
				Component("pipeline").
				Category(errors.CategoryTimeout).
				Build())
		}
	}
	p.cancel()

	p.log.Info("Capture pipeline stopped",
		logger.Bool("model_loaded", p.model.Loaded()),
		logger.Int("capture_handles", p.pool.Len()))
	return errors.Join(errs...)
}
