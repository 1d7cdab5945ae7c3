package pipeline

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// OverflowPolicy decides what Publish does when the stream buffer is full.
type OverflowPolicy string

const (
	// DropOldest evicts the oldest buffered event to make room.
	DropOldest OverflowPolicy = "drop-oldest"
	// Block waits up to the block timeout for room, then drops the new event.
	Block OverflowPolicy = "block"
)

const (
	DefaultStreamBuffer       = 64
	DefaultStreamBlockTimeout = time.Second
)

// ParseOverflowPolicy parses a policy name. Empty means DropOldest.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", DropOldest:
		return DropOldest, nil
	case Block:
		return Block, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q (want %q or %q)", s, DropOldest, Block)
}

// StreamConfig sizes an EventStream.
type StreamConfig struct {
	Buffer       int
	Policy       OverflowPolicy
	BlockTimeout time.Duration
}

// EventStream is a bounded, single-consumer queue of capture events.
type EventStream struct {
	cfg    StreamConfig
	ch     chan CaptureEvent
	onDrop func(CaptureEvent)

	// mu serializes publishers with each other and with Close
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// NewEventStream returns an open stream. onDrop, if not nil, is called for
// every event the overflow policy discards.
func NewEventStream(cfg StreamConfig, onDrop func(CaptureEvent)) *EventStream {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultStreamBuffer
	}
	if cfg.Policy == "" {
		cfg.Policy = DropOldest
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultStreamBlockTimeout
	}
	return &EventStream{
		cfg:    cfg,
		ch:     make(chan CaptureEvent, cfg.Buffer),
		onDrop: onDrop,
	}
}

// Publish enqueues ev. It reports false if ev was dropped or the stream is closed.
func (s *EventStream) Publish(ev CaptureEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	if s.cfg.Policy == Block {
		timer := time.NewTimer(s.cfg.BlockTimeout)
		defer timer.Stop()
		select {
		case s.ch <- ev:
			return true
		case <-timer.C:
			s.drop(ev)
			return false
		}
	}

	// the consumer may drain concurrently, so retry until the send lands
	for {
		select {
		case old := <-s.ch:
			s.drop(old)
		default:
		}
		select {
		case s.ch <- ev:
			return true
		default:
		}
	}
}

func (s *EventStream) drop(ev CaptureEvent) {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop(ev)
	}
}

// Events returns the receive side. The channel is closed by Close after the
// last published event.
func (s *EventStream) Events() <-chan CaptureEvent {
	return s.ch
}

// Dropped returns how many events the overflow policy discarded.
func (s *EventStream) Dropped() uint64 {
	return s.dropped.Load()
}

// Len returns the number of buffered events.
func (s *EventStream) Len() int {
	return len(s.ch)
}

// Close stops accepting events and closes the channel. Safe to call twice.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
