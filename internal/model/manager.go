package model

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/classwatch/classwatch/internal/clock"
	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/monitor"
)

const (
	DefaultLoadTimeout   = 60 * time.Second
	DefaultDetectTimeout = 10 * time.Second
	DefaultThreshold     = 0.8

	loadKey = "model"
)

// ErrNotLoaded is returned by Detect when no model is loaded.
var ErrNotLoaded = errors.NewStd("model not loaded")

// Config tunes loading and detection.
type Config struct {
	LoadTimeout   time.Duration
	DetectTimeout time.Duration
	Threshold     float64
	MinFaceSize   int
}

// DefaultConfig returns the default lifecycle settings.
func DefaultConfig() Config {
	return Config{
		LoadTimeout:   DefaultLoadTimeout,
		DetectTimeout: DefaultDetectTimeout,
		Threshold:     DefaultThreshold,
	}
}

// Handle describes a loaded model. It stays valid until the next Release.
type Handle struct {
	AssetPath    string
	LastLoadedAt time.Time
	Generation   uint64

	detector Detector
}

// State is a snapshot of the manager for status reporting.
type State struct {
	Loaded       bool
	LastLoadedAt time.Time
	LoadFailed   bool
	LastError    string
	Loads        uint64
}

// Manager guards a single model instance. EnsureLoaded and Release are
// mutually exclusive and idempotent.
type Manager struct {
	asset   AssetSource
	runtime Runtime
	clock   clock.Clock
	cfg     Config
	log     logger.Logger
	rec     Recorder

	// mu guards handle and failure state; Detect holds it for reading so
	// Release waits for in-flight inference
	mu       sync.RWMutex
	handle   *Handle
	failed   bool
	lastErr  error
	lastLoad time.Time
	// wanted is set while a detecting phase holds the model
	wanted bool

	group singleflight.Group
	loads atomic.Uint64

	reclaim   func()
	sampleRSS func() (uint64, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger overrides the package logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		if r != nil {
			m.rec = r
		}
	}
}

// WithClock sets the clock used for load timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// NewManager returns an unloaded manager.
func NewManager(asset AssetSource, rt Runtime, cfg Config, opts ...Option) *Manager {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = DefaultDetectTimeout
	}
	m := &Manager{
		asset:   asset,
		runtime: rt,
		clock:   clock.Real(),
		cfg:     cfg,
		log:     GetLogger(),
		rec:     noopRecorder{},
		reclaim: reclaimMemory,
		sampleRSS: func() (uint64, error) {
			pm, err := monitor.SampleProcessMemory()
			return pm.RSS, err
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func reclaimMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

// Loaded reports whether a model is currently loaded.
func (m *Manager) Loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle != nil
}

// State returns a status snapshot.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := State{
		Loaded:       m.handle != nil,
		LastLoadedAt: m.lastLoad,
		LoadFailed:   m.failed,
		Loads:        m.loads.Load(),
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

// LoadCount returns how many underlying loads have been attempted.
func (m *Manager) LoadCount() uint64 {
	return m.loads.Load()
}

// EnsureLoaded returns the loaded model, loading it if needed. Concurrent
// callers share one load and receive the same handle. After a failed load the
// recorded error is returned without retrying until Rearm.
func (m *Manager) EnsureLoaded(ctx context.Context) (*Handle, error) {
	m.mu.RLock()
	h, failed, lastErr := m.handle, m.failed, m.lastErr
	m.mu.RUnlock()
	if h != nil {
		return h, nil
	}
	if failed {
		return nil, lastErr
	}

	ch := m.group.DoChan(loadKey, m.load)
	select {
	case res := <-ch:
		if res.Shared {
			m.log.Debug("Joined in-flight model load")
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, errors.New(fmt.Errorf("waiting for model load: %w", ctx.Err())).
			Component("model").
			Category(errors.CategoryTimeout).
			Build()
	}
}

// load runs under singleflight with its own deadline so one caller giving up
// does not fail the others.
func (m *Manager) load() (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handle != nil {
		return m.handle, nil
	}
	if m.failed {
		return nil, m.lastErr
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LoadTimeout)
	defer cancel()

	m.loads.Add(1)
	start := time.Now()

	path, err := m.asset.EnsureAssetAvailable(ctx)
	if err != nil {
		return nil, m.recordFailureLocked(err, "ensure_asset", start)
	}

	det, err := m.runtime.Load(ctx, path)
	if err != nil {
		return nil, m.recordFailureLocked(err, "load_runtime", start)
	}

	// Load can be slow and leave garbage behind
	runtime.GC()

	m.lastLoad = m.clock.Now()
	m.handle = &Handle{
		AssetPath:    path,
		LastLoadedAt: m.lastLoad,
		Generation:   m.loads.Load(),
		detector:     det,
	}
	m.failed = false
	m.lastErr = nil

	elapsed := time.Since(start)
	m.rec.RecordModelLoad(elapsed, nil)
	m.rec.SetModelLoaded(true)
	m.log.Info("Model loaded",
		logger.String("asset", path),
		logger.Duration("duration", elapsed))
	return m.handle, nil
}

func (m *Manager) recordFailureLocked(err error, op string, start time.Time) error {
	elapsed := time.Since(start)
	loadErr := errors.New(fmt.Errorf("model load failed: %w", err)).
		Component("model").
		Category(errors.CategoryModelLoad).
		Timing(op, elapsed).
		Build()
	m.failed = true
	m.lastErr = loadErr
	m.rec.RecordModelLoad(elapsed, loadErr)
	m.log.Error("Model load failed, detection disabled until next active phase",
		logger.Error(err),
		logger.String("operation", op))
	return loadErr
}

// Rearm clears a recorded load failure so the next EnsureLoaded retries.
func (m *Manager) Rearm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = false
}

// Release unloads the model and forces memory reclamation. It waits for
// in-flight detections and is a no-op when nothing is loaded.
func (m *Manager) Release() error {
	_, err := m.release(false)
	return err
}

// ReleaseUnlessWanted unloads the model unless a detecting phase holds it.
// The check and the release happen under one lock, so a phase entering
// Active concurrently either keeps the model or reloads it afterwards.
// It reports whether a model was released.
func (m *Manager) ReleaseUnlessWanted() (bool, error) {
	return m.release(true)
}

// Wanted reports whether a detecting phase currently holds the model.
func (m *Manager) Wanted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.wanted
}

func (m *Manager) setWanted(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wanted = v
}

func (m *Manager) release(unlessWanted bool) (bool, error) {
	m.mu.Lock()
	if unlessWanted && m.wanted {
		m.mu.Unlock()
		return false, nil
	}
	h := m.handle
	m.handle = nil
	var closeErr error
	if h != nil {
		closeErr = h.detector.Close()
	}
	m.mu.Unlock()

	if h == nil {
		return false, nil
	}

	before, beforeErr := m.sampleRSS()
	m.reclaim()
	after, afterErr := m.sampleRSS()

	var freed int64
	fields := []logger.Field{logger.Uint64("generation", h.Generation)}
	if beforeErr == nil && afterErr == nil {
		freed = int64(before) - int64(after) //nolint:gosec // RSS values are far below MaxInt64
		fields = append(fields,
			logger.Uint64("rss_before_mb", before/(1024*1024)),
			logger.Uint64("rss_after_mb", after/(1024*1024)))
	}
	m.rec.SetModelLoaded(false)
	m.rec.RecordModelRelease(freed)
	m.log.Info("Model released", fields...)

	if closeErr != nil {
		return true, errors.New(fmt.Errorf("closing detector: %w", closeErr)).
			Component("model").
			Category(errors.CategoryModelLoad).
			Build()
	}
	return true, nil
}

// Detect runs inference on a PNG frame with the configured timeout. Faces
// below the confidence threshold or minimum size are dropped.
func (m *Manager) Detect(ctx context.Context, png []byte) (Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.handle == nil {
		return Result{}, errors.New(ErrNotLoaded).
			Component("model").
			Category(errors.CategoryDetection).
			Build()
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.DetectTimeout)
	defer cancel()

	opts := DetectOptions{Threshold: m.cfg.Threshold, MinFaceSize: m.cfg.MinFaceSize}
	start := time.Now()
	faces, err := m.handle.detector.Detect(ctx, png, opts)
	elapsed := time.Since(start)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		detErr := errors.New(fmt.Errorf("detection failed: %w", err)).
			Component("model").
			Category(errors.CategoryDetection).
			Timing("detect", elapsed).
			Build()
		m.rec.RecordDetection(elapsed, 0, detErr)
		return Result{Duration: elapsed}, detErr
	}

	faces = filterFaces(faces, opts)
	m.rec.RecordDetection(elapsed, len(faces), nil)
	return Result{Faces: faces, Duration: elapsed}, nil
}

func filterFaces(faces []Face, opts DetectOptions) []Face {
	out := faces[:0:0]
	for _, f := range faces {
		if f.Confidence < opts.Threshold {
			continue
		}
		if opts.MinFaceSize > 0 && (f.Width < opts.MinFaceSize || f.Height < opts.MinFaceSize) {
			continue
		}
		out = append(out, f)
	}
	return out
}
