package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/classwatch/classwatch/internal/logger"
)

// DefaultSinkTimeout bounds one sink's handling of one event.
const DefaultSinkTimeout = 5 * time.Second

// Sink consumes capture events. Consume is called from the dispatcher
// goroutine, never from a capture trigger.
type Sink interface {
	Name() string
	Consume(ctx context.Context, ev CaptureEvent) error
}

// SummaryWriter persists period summaries. It is called from the trigger
// that noticed the rollover, or from Stop.
type SummaryWriter interface {
	SavePeriodSummary(ctx context.Context, s PeriodSummary) error
}

// Dispatcher fans events from a stream out to sinks.
type Dispatcher struct {
	stream  *EventStream
	sinks   []Sink
	timeout time.Duration
	log     logger.Logger
	done    chan struct{}
	// onError, when set, is told the name of every failing sink
	onError func(sink string)
}

// NewDispatcher returns a dispatcher for stream. Run must be called to start it.
func NewDispatcher(stream *EventStream, sinks []Sink, timeout time.Duration, log logger.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSinkTimeout
	}
	if log == nil {
		log = GetLogger()
	}
	return &Dispatcher{
		stream:  stream,
		sinks:   slices.Clone(sinks),
		timeout: timeout,
		log:     log.Module("dispatch"),
		done:    make(chan struct{}),
	}
}

// Run delivers events until the stream is closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for ev := range d.stream.Events() {
		d.deliver(ctx, ev)
	}
	d.log.Debug("Event stream drained")
}

// Done is closed once Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) deliver(ctx context.Context, ev CaptureEvent) {
	if len(d.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var g errgroup.Group
	for _, sink := range d.sinks {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("sink panicked: %v", r)
				}
				if err != nil {
					d.log.Warn("Event sink failed",
						logger.String("sink", sink.Name()),
						logger.String("event_id", ev.ID),
						logger.Error(err))
					if d.onError != nil {
						d.onError(sink.Name())
					}
				}
			}()
			return sink.Consume(ctx, ev)
		})
	}
	_ = g.Wait()
}

// LogSink writes every event to a logger.
type LogSink struct {
	Log logger.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Consume(_ context.Context, ev CaptureEvent) error {
	fields := []logger.Field{
		logger.String("event_id", ev.ID),
		logger.String("trigger", string(ev.Trigger)),
		logger.String("period", ev.PeriodID),
		logger.Int("faces", ev.FaceCount),
		logger.Bool("present", ev.Present),
		logger.Bool("stored", ev.Stored),
		logger.Duration("duration", ev.Duration),
	}
	if ev.FrameRef != "" {
		fields = append(fields, logger.String("frame", ev.FrameRef))
	}
	if !ev.Success {
		fields = append(fields, logger.String("error_kind", ev.ErrorKind), logger.String("error", ev.Error))
		s.Log.Warn("Capture failed", fields...)
		return nil
	}
	s.Log.Info("Capture event", fields...)
	return nil
}

// RecentSink keeps the last Size events in memory for status queries.
type RecentSink struct {
	size int

	mu     sync.Mutex
	events []CaptureEvent
}

// NewRecentSink keeps up to size events.
func NewRecentSink(size int) *RecentSink {
	if size <= 0 {
		size = 20
	}
	return &RecentSink{size: size}
}

func (s *RecentSink) Name() string { return "recent" }

func (s *RecentSink) Consume(_ context.Context, ev CaptureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if over := len(s.events) - s.size; over > 0 {
		s.events = slices.Delete(s.events, 0, over)
	}
	return nil
}

// Events returns the retained events, newest last.
func (s *RecentSink) Events() []CaptureEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}
