package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
)

type fakeDevice struct {
	opens   atomic.Int32
	closes  atomic.Int32
	openErr error
}

func (d *fakeDevice) Name() string { return "fake" }

func (d *fakeDevice) Open(context.Context) (Session, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	id := d.opens.Add(1)
	return &fakeSession{device: d, id: id}, nil
}

type fakeSession struct {
	device *fakeDevice
	id     int32
	closed atomic.Bool
}

func (s *fakeSession) Grab(context.Context) (Frame, error) {
	if s.closed.Load() {
		return Frame{}, fmt.Errorf("session %d closed", s.id)
	}
	return Frame{PNG: append([]byte(nil), pngSignature...), Source: fmt.Sprint(s.id)}, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	s.device.closes.Add(1)
	return nil
}

func newTestPool(d Device, opts ...PoolOption) *Pool {
	return NewPool(d, append([]PoolOption{WithPoolLogger(logger.NewNopLogger())}, opts...)...)
}

func TestPool_AcquireIsLazyAndStablePerOwner(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	pool := newTestPool(dev)
	owner := NewOwner("periodic")

	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, int32(0), dev.opens.Load(), "nothing opened before first request")

	h1, err := pool.Acquire(t.Context(), owner)
	require.NoError(t, err)
	h2, err := pool.Acquire(t.Context(), owner)
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.Equal(t, owner, h1.Owner())
	assert.Equal(t, int32(1), dev.opens.Load())
	assert.Equal(t, 1, pool.Len())
}

func TestPool_HandlesNeverCrossOwners(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	pool := newTestPool(dev)

	const owners = 16
	const rounds = 50

	var wg sync.WaitGroup
	var crossed atomic.Int32
	for i := range owners {
		owner := NewOwner(fmt.Sprintf("worker-%d", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			var first *Handle
			for range rounds {
				h, err := pool.Acquire(context.Background(), owner)
				if err != nil {
					crossed.Add(1)
					return
				}
				if h.Owner() != owner || (first != nil && h != first) {
					crossed.Add(1)
				}
				first = h
				if _, err := h.Capture(context.Background()); err != nil {
					crossed.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, crossed.Load())
	assert.Equal(t, owners, pool.Len())
	assert.Equal(t, int32(owners), dev.opens.Load())
}

func TestPool_SameNameOwnersAreDistinct(t *testing.T) {
	t.Parallel()

	pool := newTestPool(&fakeDevice{})
	a, b := NewOwner("capture"), NewOwner("capture")
	require.NotEqual(t, a, b)

	ha, err := pool.Acquire(t.Context(), a)
	require.NoError(t, err)
	hb, err := pool.Acquire(t.Context(), b)
	require.NoError(t, err)
	assert.NotSame(t, ha, hb)
}

func TestPool_CleanupReleasesOnlyThatOwner(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	pool := newTestPool(dev)
	a, b := NewOwner("a"), NewOwner("b")

	ha, err := pool.Acquire(t.Context(), a)
	require.NoError(t, err)
	hb, err := pool.Acquire(t.Context(), b)
	require.NoError(t, err)

	require.NoError(t, pool.Cleanup(a))
	assert.Equal(t, 1, pool.Len())
	assert.Equal(t, int32(1), dev.closes.Load())

	_, err = ha.Capture(t.Context())
	require.Error(t, err, "released handle is closed")
	assert.True(t, errors.IsCategory(err, errors.CategoryCapture))

	_, err = hb.Capture(t.Context())
	require.NoError(t, err, "other owner unaffected")

	require.NoError(t, pool.Cleanup(a), "second cleanup is a no-op")
	assert.Equal(t, int32(1), dev.closes.Load())

	again, err := pool.Acquire(t.Context(), a)
	require.NoError(t, err)
	assert.NotSame(t, ha, again, "re-acquire opens a fresh session")
}

func TestPool_CleanupAll(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{}
	var sizes []int
	pool := newTestPool(dev, WithSizeObserver(func(n int) { sizes = append(sizes, n) }))

	for _, name := range []string{"periodic", "scheduled", "manual"} {
		_, err := pool.Acquire(t.Context(), NewOwner(name))
		require.NoError(t, err)
	}
	require.NoError(t, pool.CleanupAll())

	assert.Equal(t, 0, pool.Len())
	assert.Equal(t, int32(3), dev.closes.Load())
	assert.Equal(t, []int{1, 2, 3, 0}, sizes)
}

func TestPool_RejectsZeroOwner(t *testing.T) {
	t.Parallel()

	pool := newTestPool(&fakeDevice{})
	_, err := pool.Acquire(t.Context(), Owner{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Equal(t, 0, pool.Len())
}

func TestPool_OpenFailureIsNotRegistered(t *testing.T) {
	t.Parallel()

	dev := &fakeDevice{openErr: fmt.Errorf("display unavailable")}
	pool := newTestPool(dev)

	_, err := pool.Acquire(t.Context(), NewOwner("periodic"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryCapture))
	assert.Contains(t, err.Error(), "display unavailable")
	assert.Equal(t, 0, pool.Len())
}

func TestOwner_String(t *testing.T) {
	t.Parallel()

	o := NewOwner("scheduled")
	assert.True(t, o.Valid())
	assert.Equal(t, "scheduled", o.Name())
	assert.Len(t, o.ID(), 36)
	assert.Contains(t, o.String(), "scheduled(")
	assert.False(t, Owner{}.Valid())
}
