// Package analysis assembles the classwatch engine from its parts: the class
// timetable, the duty cycle, the model lifecycle, the capture pipeline and
// the optional outputs (event store, MQTT, status API, metrics).
package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/classwatch/classwatch/internal/calendar"
	"github.com/classwatch/classwatch/internal/capture"
	"github.com/classwatch/classwatch/internal/clock"
	"github.com/classwatch/classwatch/internal/conf"
	"github.com/classwatch/classwatch/internal/datastore"
	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/httpclient"
	"github.com/classwatch/classwatch/internal/httpserver"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/model"
	"github.com/classwatch/classwatch/internal/monitor"
	"github.com/classwatch/classwatch/internal/mqtt"
	"github.com/classwatch/classwatch/internal/observability"
	"github.com/classwatch/classwatch/internal/pipeline"
)

const (
	phaseFeedBuffer    = 32
	mqttConnectTimeout = 5 * time.Second
	seedTimeout        = 5 * time.Second
)

// Option overrides a collaborator NewEngine would otherwise build from
// settings.
type Option func(*engineOptions)

type engineOptions struct {
	clock   clock.Clock
	device  capture.Device
	runtime model.Runtime
	asset   model.AssetSource
	log     logger.Logger
	noHTTP  bool
}

// WithClock sets the clock driving every component.
func WithClock(c clock.Clock) Option {
	return func(o *engineOptions) { o.clock = c }
}

// WithDevice replaces the configured capture device.
func WithDevice(d capture.Device) Option {
	return func(o *engineOptions) { o.device = d }
}

// WithRuntime replaces the detector sidecar runtime.
func WithRuntime(rt model.Runtime) Option {
	return func(o *engineOptions) { o.runtime = rt }
}

// WithAsset replaces the configured model asset source.
func WithAsset(a model.AssetSource) Option {
	return func(o *engineOptions) { o.asset = a }
}

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) Option {
	return func(o *engineOptions) { o.log = l }
}

// WithoutHTTP skips the status API even when it is enabled in settings.
func WithoutHTTP() Option {
	return func(o *engineOptions) { o.noHTTP = true }
}

// Engine owns every running component. Build it with NewEngine, run it with
// Start and tear it down with Stop.
type Engine struct {
	settings *conf.Settings
	log      logger.Logger
	clock    clock.Clock

	Metrics  *observability.Metrics
	Calendar *calendar.Calendar
	Phases   *dutycycle.Controller
	Model    *model.Manager
	Pool     *capture.Pool
	Pipeline *pipeline.Pipeline
	Recent   *pipeline.RecentSink
	Store    *datastore.Store // nil unless an output database is enabled
	MQTT     *mqtt.Client     // nil unless MQTT is enabled
	HTTP     *httpserver.Server

	httpClient *httpclient.Client
	feeds      sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopErr  error
}

// NewEngine builds all components from settings without starting them.
func NewEngine(settings *conf.Settings, opts ...Option) (*Engine, error) {
	if settings == nil {
		return nil, errors.Newf("settings are required").
			Component("analysis").
			Category(errors.CategoryConfiguration).
			Build()
	}
	o := engineOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = GetLogger()
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	e := &Engine{settings: settings, log: o.log, clock: o.clock}
	if err := e.build(o); err != nil {
		e.closeOutputs()
		return nil, err
	}
	return e, nil
}

func (e *Engine) build(o engineOptions) error {
	s := e.settings

	m, err := observability.NewMetrics()
	if err != nil {
		return errors.New(err).Component("analysis").Category(errors.CategorySystem).Build()
	}
	e.Metrics = m

	calCfg, err := s.CalendarConfig()
	if err != nil {
		return errors.New(err).Component("analysis").Category(errors.CategoryConfiguration).Build()
	}
	if e.Calendar, err = calendar.New(calCfg); err != nil {
		return err
	}

	e.Phases, err = dutycycle.New(e.Calendar, e.clock, s.DutyCycleConfig(),
		dutycycle.WithLogger(e.log.Module("dutycycle")))
	if err != nil {
		return err
	}
	e.Phases.Subscribe(m.DutyCycle.ObservePhaseChange)

	asset := o.asset
	if asset == nil {
		e.httpClient = httpclient.New(nil)
		asset = s.ModelAsset(e.httpClient)
	}
	rt := o.runtime
	if rt == nil {
		rt = s.ModelRuntime(e.log.Module("model.sidecar"))
	}
	e.Model = model.NewManager(asset, rt, s.ModelConfig(),
		model.WithLogger(e.log.Module("model")),
		model.WithRecorder(m.Model),
		model.WithClock(e.clock))
	e.Model.Bind(e.Phases)

	device := o.device
	if device == nil {
		if device, err = s.CaptureDevice(); err != nil {
			return err
		}
	}
	e.Pool = capture.NewPool(device,
		capture.WithPoolLogger(e.log.Module("capture")),
		capture.WithSizeObserver(m.Pipeline.SetPoolHandles))

	if err := e.openOutputs(); err != nil {
		return err
	}

	pcfg, err := s.PipelineConfig()
	if err != nil {
		return errors.New(err).Component("analysis").Category(errors.CategoryConfiguration).Build()
	}
	e.Pipeline, err = pipeline.New(pcfg, pipeline.Deps{
		Calendar: e.Calendar,
		Phases:   e.Phases,
		Model:    e.Model,
		Pool:     e.Pool,
		Clock:    e.clock,
		Sinks:    e.sinks(),
		// period summaries go to the same outputs as the events
		Summaries: e.summaryWriters(),
	}, pipeline.WithLogger(e.log.Module("pipeline")), pipeline.WithRecorder(m.Pipeline))
	if err != nil {
		return err
	}

	if s.WebServer.Enabled && !o.noHTTP {
		e.HTTP, err = httpserver.New(s.HTTPConfig(), httpserver.Deps{
			Phases:   e.Phases,
			Model:    e.Model,
			Pipeline: e.Pipeline,
			Calendar: e.Calendar,
			Recent:   e.Recent,
			Metrics:  m.Handler(),
			Clock:    e.clock,
		}, httpserver.WithLogger(e.log.Module("httpserver")))
		if err != nil {
			return err
		}
	}
	return nil
}

// openOutputs opens the event database and the MQTT client when enabled.
func (e *Engine) openOutputs() error {
	s := e.settings
	dbOpts := []datastore.Option{
		datastore.WithLogger(e.log.Module("datastore")),
		datastore.WithMetrics(e.Metrics.Datastore),
		datastore.WithDebug(s.Debug),
	}

	var err error
	switch {
	case s.Output.MySQL.Enabled:
		e.Store, err = datastore.OpenMySQL(s.MySQLConfig(), dbOpts...)
	case s.Output.SQLite.Enabled:
		e.Store, err = datastore.Open(s.Output.SQLite.Path, dbOpts...)
	}
	if err != nil {
		return err
	}

	if s.MQTT.Enabled {
		e.MQTT, err = mqtt.New(s.MQTTConfig(),
			mqtt.WithLogger(e.log.Module("mqtt")),
			mqtt.WithMetrics(e.Metrics.MQTT))
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sinks() []pipeline.Sink {
	e.Recent = pipeline.NewRecentSink(e.settings.Events.Recent)
	sinks := []pipeline.Sink{pipeline.LogSink{Log: e.log.Module("events")}, e.Recent}
	if e.Store != nil {
		sinks = append(sinks, datastore.NewEventSink(e.Store, e.settings.Output.StoredOnly))
	}
	if e.MQTT != nil {
		sinks = append(sinks, mqtt.NewEventSink(e.MQTT))
	}
	return sinks
}

func (e *Engine) summaryWriters() []pipeline.SummaryWriter {
	var w []pipeline.SummaryWriter
	if e.Store != nil {
		w = append(w, e.Store)
	}
	if e.MQTT != nil {
		w = append(w, mqtt.NewSummaryWriter(e.MQTT))
	}
	return w
}

// Start seeds today's stored counts, connects the outputs and starts the
// pipeline, which in turn starts the duty cycle. Output failures are logged
// and do not prevent detection from running.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.Newf("engine already started").
			Component("analysis").
			Category(errors.CategoryState).
			Build()
	}

	monitor.LogHost(e.log.Module("monitor"))
	e.seedCounts(ctx)
	e.startPhaseFeeds()

	if e.MQTT != nil {
		cctx, cancel := context.WithTimeout(ctx, mqttConnectTimeout)
		if err := e.MQTT.Connect(cctx); err != nil {
			e.log.Warn("MQTT broker not reachable yet, retrying in background", logger.Error(err))
		}
		cancel()
	}

	if err := e.Pipeline.Start(); err != nil {
		return err
	}
	if e.HTTP != nil {
		e.HTTP.Start()
	}
	e.started = true

	e.log.Info("Classwatch engine started",
		logger.Int("periods", len(e.Calendar.Periods())),
		logger.Bool("datastore", e.Store != nil),
		logger.Bool("mqtt", e.MQTT != nil),
		logger.Bool("http", e.HTTP != nil))
	if w, ok := e.Calendar.NextWindow(e.clock.Now()); ok {
		e.log.Info("Next detection window",
			logger.String("period", w.Period.ID),
			logger.Time("start", w.Start),
			logger.Time("end", w.End))
	}
	return nil
}

// seedCounts restores the per-period stored counts for today so a restart
// does not reset the cap.
func (e *Engine) seedCounts(ctx context.Context) {
	if e.Store == nil {
		return
	}
	today := e.clock.Now().In(e.Calendar.Location()).Format(time.DateOnly)
	sctx, cancel := context.WithTimeout(ctx, seedTimeout)
	defer cancel()
	counts, err := e.Store.StoredCounts(sctx, today)
	if err != nil {
		e.log.Warn("Failed to load stored counts", logger.Error(err))
		return
	}
	if len(counts) > 0 {
		e.Pipeline.SeedCounts(counts)
		e.log.Info("Restored stored counts", logger.String("instance", today), logger.Int("periods", len(counts)))
	}
}

// startPhaseFeeds forwards phase changes to the outputs. The feeds end when
// the duty cycle stops and closes their channels.
func (e *Engine) startPhaseFeeds() {
	if e.Store != nil {
		ch, _ := e.Phases.SubscribeChan(phaseFeedBuffer)
		e.feeds.Go(func() { e.Store.RecordPhases(ch) })
	}
	if e.MQTT != nil {
		ch, _ := e.Phases.SubscribeChan(phaseFeedBuffer)
		timeout := e.settings.Events.SinkTimeout
		if timeout <= 0 {
			timeout = pipeline.DefaultSinkTimeout
		}
		e.feeds.Go(func() { mqtt.PublishPhases(e.MQTT, ch, timeout) })
	}
}

// HTTPDone yields the status API listener error, or nil when the API is off.
func (e *Engine) HTTPDone() <-chan error {
	if e.HTTP == nil {
		return nil
	}
	return e.HTTP.Done()
}

// Stop tears the engine down in dependency order: API, pipeline (which stops
// the duty cycle, releases the model and drains the sinks), phase feeds and
// finally the outputs. Stop is idempotent.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopOnce.Do(func() {
		e.stopErr = e.teardown(ctx)
	})
	return e.stopErr
}

func (e *Engine) teardown(ctx context.Context) error {
	var errs []error
	if e.HTTP != nil {
		if err := e.HTTP.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.Pipeline.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	e.feeds.Wait()
	e.closeOutputs()

	if mem, err := monitor.SampleProcessMemory(); err == nil {
		e.log.Info("Classwatch engine stopped", logger.Uint64("rss_mb", mem.ResidentMB()))
	} else {
		e.log.Info("Classwatch engine stopped")
	}
	return errors.Join(errs...)
}

func (e *Engine) closeOutputs() {
	if e.MQTT != nil {
		e.MQTT.Disconnect()
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			e.log.Warn("Failed to close datastore", logger.Error(err))
		}
	}
	if e.httpClient != nil {
		e.httpClient.Close()
	}
}
