package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 9, 2, 9, 0, 0, 0, time.UTC)

func TestFake_AdvanceFiresTicker(t *testing.T) {
	t.Parallel()

	f := NewFake(epoch)
	tk := f.NewTicker(5 * time.Second)
	defer tk.Stop()

	f.Advance(4 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	f.Advance(time.Second)
	select {
	case ts := <-tk.C():
		assert.Equal(t, epoch.Add(5*time.Second), ts)
	default:
		t.Fatal("ticker did not fire")
	}
	assert.Equal(t, epoch.Add(5*time.Second), f.Now())
}

func TestFake_SlowReceiverDropsTicks(t *testing.T) {
	t.Parallel()

	f := NewFake(epoch)
	tk := f.NewTicker(time.Second)
	defer tk.Stop()

	f.Advance(10 * time.Second)

	require.Len(t, tk.C(), 1, "only one tick is buffered")
	assert.Equal(t, epoch.Add(time.Second), <-tk.C())
}

func TestFake_StopRemovesTicker(t *testing.T) {
	t.Parallel()

	f := NewFake(epoch)
	tk := f.NewTicker(time.Second)
	assert.Equal(t, 1, f.TickerCount())

	tk.Stop()
	assert.Equal(t, 0, f.TickerCount())

	f.Advance(5 * time.Second)
	assert.Empty(t, tk.C())
}

func TestFake_SetBackwards(t *testing.T) {
	t.Parallel()

	f := NewFake(epoch)
	f.Set(epoch.Add(-time.Hour))
	assert.Equal(t, epoch.Add(-time.Hour), f.Now())
}

func TestFake_NewTickerPanicsOnZero(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { NewFake(epoch).NewTicker(0) })
}

func TestReal_Now(t *testing.T) {
	t.Parallel()

	c := Real()
	before := time.Now()
	assert.False(t, c.Now().Before(before))

	tk := c.NewTicker(time.Millisecond)
	defer tk.Stop()
	select {
	case <-tk.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker did not fire")
	}
}
