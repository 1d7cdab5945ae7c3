// Package dutycycle derives the detection phase from the class calendar and a
// fixed Active/Cooldown cycle anchored at each window start.
package dutycycle

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/classwatch/classwatch/internal/calendar"
	"github.com/classwatch/classwatch/internal/clock"
	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
)

const (
	DefaultActiveDuration = 15 * time.Second
	DefaultIdleDuration   = 45 * time.Second
	DefaultTickInterval   = time.Second
	DefaultAsyncBuffer    = 16
)

// WindowSource resolves the detection window covering an instant.
type WindowSource interface {
	WindowAt(t time.Time) (calendar.ActiveWindow, bool)
}

// Config holds duty-cycle timing.
type Config struct {
	ActiveDuration time.Duration
	IdleDuration   time.Duration
	TickInterval   time.Duration
}

// DefaultConfig returns 15s active, 45s idle, 1s ticks.
func DefaultConfig() Config {
	return Config{
		ActiveDuration: DefaultActiveDuration,
		IdleDuration:   DefaultIdleDuration,
		TickInterval:   DefaultTickInterval,
	}
}

// Validate checks timing values.
func (c Config) Validate() error {
	switch {
	case c.ActiveDuration <= 0:
		return fmt.Errorf("active duration must be positive, got %s", c.ActiveDuration)
	case c.IdleDuration < 0:
		return fmt.Errorf("idle duration must not be negative, got %s", c.IdleDuration)
	case c.TickInterval <= 0:
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	return nil
}

// Subscriber receives phase changes synchronously on the evaluating goroutine.
// Subscribers must not call back into the controller's mutating methods.
type Subscriber func(PhaseChange)

type asyncSubscriber struct {
	ch      chan PhaseChange
	dropped atomic.Uint64
}

// Status is a point-in-time view of the controller.
type Status struct {
	Phase    Phase
	Forced   bool
	Since    time.Time
	PeriodID string
	Instance string
}

// Controller owns the process phase. Only Tick, SetForced and Stop mutate it.
type Controller struct {
	windows WindowSource
	clock   clock.Clock
	cfg     Config
	log     logger.Logger

	phase  atomic.Int32
	forced atomic.Bool

	// mu serializes evaluation and notification so each change is
	// delivered exactly once and in order
	mu        sync.Mutex
	since     time.Time
	periodID  string
	instance  string
	stopped   bool
	subs      []Subscriber
	asyncSubs []*asyncSubscriber

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger overrides the package logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// New returns a Dormant controller. Call Start to begin ticking.
func New(windows WindowSource, clk clock.Clock, cfg Config, opts ...Option) (*Controller, error) {
	if windows == nil {
		return nil, errors.Newf("dutycycle: nil window source").
			Component("dutycycle").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(err).
			Component("dutycycle").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if clk == nil {
		clk = clock.Real()
	}

	c := &Controller{
		windows: windows,
		clock:   clk,
		cfg:     cfg,
		log:     GetLogger(),
		since:   clk.Now(),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe registers fn. Subscribers run in registration order.
func (c *Controller) Subscribe(fn Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// SubscribeChan returns a channel of phase changes. When the buffer is full
// the newest change is dropped and counted. The channel closes on Stop.
func (c *Controller) SubscribeChan(buffer int) (<-chan PhaseChange, func() uint64) {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	sub := &asyncSubscriber{ch: make(chan PhaseChange, buffer)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		close(sub.ch)
	} else {
		c.asyncSubs = append(c.asyncSubs, sub)
	}
	return sub.ch, sub.dropped.Load
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	return Phase(c.phase.Load())
}

// Forced reports whether forced mode is requested.
func (c *Controller) Forced() bool {
	return c.forced.Load()
}

// Status returns the phase with the window it was derived from.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Phase:    c.Phase(),
		Forced:   c.forced.Load(),
		Since:    c.since,
		PeriodID: c.periodID,
		Instance: c.instance,
	}
}

// PhaseAt computes the phase for now without changing state.
func (c *Controller) PhaseAt(now time.Time, forced bool) (Phase, calendar.ActiveWindow, bool) {
	if forced {
		return ForcedActive, calendar.ActiveWindow{}, false
	}
	w, ok := c.windows.WindowAt(now)
	if !ok || !w.Contains(now) {
		return Dormant, calendar.ActiveWindow{}, false
	}
	return cyclePhase(now.Sub(w.Start), c.cfg.ActiveDuration, c.cfg.IdleDuration), w, true
}

func cyclePhase(elapsed, active, idle time.Duration) Phase {
	if idle == 0 {
		return Active
	}
	if elapsed%(active+idle) < active {
		return Active
	}
	return Cooldown
}

// Tick evaluates the phase at now and notifies subscribers on change.
// Ticks after Stop are ignored.
func (c *Controller) Tick(now time.Time) Phase {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return c.Phase()
	}

	next, w, inWindow := c.PhaseAt(now, c.forced.Load())
	periodID, instance := "", ""
	if inWindow {
		periodID, instance = w.Period.ID, w.Instance
	}
	c.transitionLocked(next, now, periodID, instance)
	return next
}

// SetForced toggles forced mode and re-evaluates immediately.
func (c *Controller) SetForced(forced bool) Phase {
	prev := c.forced.Swap(forced)
	if prev != forced {
		c.log.Info("Forced mode changed", logger.Bool("forced", forced))
	}
	return c.Tick(c.clock.Now())
}

func (c *Controller) transitionLocked(next Phase, now time.Time, periodID, instance string) {
	old := c.Phase()
	c.periodID, c.instance = periodID, instance
	if old == next {
		return
	}

	c.phase.Store(int32(next))
	c.since = now

	change := PhaseChange{Old: old, New: next, At: now, PeriodID: periodID, Instance: instance}
	c.log.Info("Phase changed",
		logger.String("from", old.String()),
		logger.String("to", next.String()),
		logger.String("period", periodID),
		logger.Time("at", now))

	for _, fn := range c.subs {
		c.notify(fn, change)
	}
	for _, sub := range c.asyncSubs {
		select {
		case sub.ch <- change:
		default:
			sub.dropped.Add(1)
		}
	}
}

// notify isolates subscriber panics so one bad subscriber cannot stall the cycle.
func (c *Controller) notify(fn Subscriber, change PhaseChange) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Phase subscriber panicked",
				logger.Any("panic", r),
				logger.String("to", change.New.String()),
				logger.String("stack", string(debug.Stack())))
		}
	}()
	fn(change)
}

// Start begins ticking on the clock. It evaluates once immediately.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		ticker := c.clock.NewTicker(c.cfg.TickInterval)
		c.Tick(c.clock.Now())
		go c.run(ticker)
	})
}

func (c *Controller) run(ticker clock.Ticker) {
	defer close(c.done)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case now := <-ticker.C():
			c.safeTick(now)
		}
	}
}

func (c *Controller) safeTick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Duty cycle tick panicked",
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
		}
	}()
	c.Tick(now)
}

// Stop halts ticking, emits a final transition to Dormant when needed and
// closes channel subscriptions. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		// never started: nothing will close done
		c.startOnce.Do(func() { close(c.done) })
		<-c.done

		c.mu.Lock()
		defer c.mu.Unlock()
		c.forced.Store(false)
		c.transitionLocked(Dormant, c.clock.Now(), "", "")
		c.stopped = true
		for _, sub := range c.asyncSubs {
			close(sub.ch)
		}
		c.asyncSubs = nil
		c.log.Debug("Duty cycle controller stopped")
	})
}

// Done is closed when the tick loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}
