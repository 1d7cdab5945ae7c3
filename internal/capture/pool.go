package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
)

// Device opens capture sessions. Each call to Open yields an independent session.
type Device interface {
	Open(ctx context.Context) (Session, error)
	Name() string
}

// Session is one open capture resource. Sessions are not safe for concurrent use.
type Session interface {
	Grab(ctx context.Context) (Frame, error)
	Close() error
}

// Owner identifies the execution context a handle belongs to. The zero Owner
// is invalid; use NewOwner.
type Owner struct {
	id   uuid.UUID
	name string
}

// NewOwner creates a unique owner identity.
func NewOwner(name string) Owner {
	return Owner{id: uuid.New(), name: name}
}

// Name returns the human-readable owner name.
func (o Owner) Name() string { return o.name }

// ID returns the owner's unique identifier.
func (o Owner) ID() string { return o.id.String() }

// Valid reports whether the owner was created by NewOwner.
func (o Owner) Valid() bool { return o.id != uuid.Nil }

func (o Owner) String() string {
	return fmt.Sprintf("%s(%s)", o.name, o.id.String()[:8])
}

// Handle is an open capture session bound to one owner.
type Handle struct {
	owner     Owner
	session   Session
	device    string
	createdAt time.Time
	grabs     uint64
}

// Owner returns the owner that created the handle.
func (h *Handle) Owner() Owner { return h.owner }

// CreatedAt returns when the underlying session was opened.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

// Capture grabs one frame. Failures are CategoryCapture errors.
func (h *Handle) Capture(ctx context.Context) (Frame, error) {
	h.grabs++
	frame, err := h.session.Grab(ctx)
	if err != nil {
		if errors.IsCategory(err, errors.CategoryCapture) {
			return Frame{}, err
		}
		return Frame{}, captureError(err, h.device).
			Context("owner", h.owner.Name()).
			Build()
	}
	return frame, nil
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(l logger.Logger) PoolOption {
	return func(p *Pool) { p.log = l }
}

// WithSizeObserver registers a callback invoked with the handle count after
// every registry change.
func WithSizeObserver(fn func(int)) PoolOption {
	return func(p *Pool) { p.observe = fn }
}

// Pool hands out one lazily opened capture handle per owner.
type Pool struct {
	device  Device
	log     logger.Logger
	observe func(int)

	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
}

// NewPool returns an empty pool opening sessions from device.
func NewPool(device Device, opts ...PoolOption) *Pool {
	p := &Pool{
		device:  device,
		handles: make(map[uuid.UUID]*Handle),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = GetLogger()
	}
	return p
}

// Acquire returns owner's handle, opening a session on first use.
func (p *Pool) Acquire(ctx context.Context, owner Owner) (*Handle, error) {
	if !owner.Valid() {
		return nil, errors.Newf("capture owner was not created with NewOwner").
			Component("capture").
			Category(errors.CategoryValidation).
			Build()
	}

	p.mu.Lock()
	h, ok := p.handles[owner.id]
	p.mu.Unlock()
	if ok {
		return h, nil
	}

	session, err := p.device.Open(ctx)
	if err != nil {
		if errors.IsCategory(err, errors.CategoryCapture) {
			return nil, err
		}
		return nil, captureError(err, p.device.Name()).
			Context("owner", owner.Name()).
			Context("operation", "open").
			Build()
	}

	h = &Handle{
		owner:     owner,
		session:   session,
		device:    p.device.Name(),
		createdAt: time.Now(),
	}

	p.mu.Lock()
	if existing, ok := p.handles[owner.id]; ok {
		p.mu.Unlock()
		_ = session.Close()
		return existing, nil
	}
	p.handles[owner.id] = h
	n := len(p.handles)
	p.mu.Unlock()

	p.log.Debug("Capture handle opened",
		logger.String("owner", owner.String()),
		logger.String("device", h.device))
	p.notify(n)
	return h, nil
}

// Cleanup closes and forgets owner's handle. Unknown owners are a no-op.
func (p *Pool) Cleanup(owner Owner) error {
	p.mu.Lock()
	h, ok := p.handles[owner.id]
	if ok {
		delete(p.handles, owner.id)
	}
	n := len(p.handles)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	p.notify(n)
	return p.closeHandle(h)
}

// CleanupAll closes every handle. Errors from individual sessions are joined.
func (p *Pool) CleanupAll() error {
	p.mu.Lock()
	handles := p.handles
	p.handles = make(map[uuid.UUID]*Handle)
	p.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := p.closeHandle(h); err != nil {
			errs = append(errs, err)
		}
	}
	p.notify(0)
	if len(handles) > 0 {
		p.log.Info("Capture handles released", logger.Int("count", len(handles)))
	}
	return errors.Join(errs...)
}

// Len returns the number of open handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Owners returns the names of owners holding a handle.
func (p *Pool) Owners() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.handles))
	for _, h := range p.handles {
		names = append(names, h.owner.Name())
	}
	return names
}

func (p *Pool) closeHandle(h *Handle) error {
	if err := h.session.Close(); err != nil {
		p.log.Warn("Capture handle close failed",
			logger.String("owner", h.owner.String()),
			logger.Error(err))
		return captureError(err, h.device).
			Context("owner", h.owner.Name()).
			Context("operation", "close").
			Build()
	}
	p.log.Debug("Capture handle closed",
		logger.String("owner", h.owner.String()),
		logger.Int64("grabs", int64(h.grabs)))
	return nil
}

func (p *Pool) notify(n int) {
	if p.observe != nil {
		p.observe(n)
	}
}

func captureError(err error, device string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("capture").
		Category(errors.CategoryCapture).
		Context("device", device)
}
