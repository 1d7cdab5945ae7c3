package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/errors"
)

func TestFireScheduled_CapsStoredEventsPerPeriod(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OutputDir = t.TempDir()
	h := newHarness(t, at("10:06:00"), cfg, nil)
	require.NoError(t, h.p.Start())

	var noops int
	for range 10 {
		ev, err := h.p.FireScheduled(t.Context())
		require.NoError(t, err, "capped firings still succeed")
		if ev.ID == "" {
			noops++
		}
	}
	h.stop(t)

	stored := storedEvents(h.recent.Events())
	require.Len(t, stored, 5)
	assert.Equal(t, 5, noops)
	assert.Len(t, h.recent.Events(), 5, "no-op firings emit nothing")
	assert.Equal(t, 5, h.rec.count("scheduled/capped"))

	for _, ev := range stored {
		assert.Equal(t, "1st-period", ev.PeriodID)
		assert.Equal(t, "2024-09-02", ev.PeriodInstance)
		assert.Equal(t, TriggerScheduled, ev.Trigger)
		assert.True(t, ev.Success)
		assert.True(t, ev.Present)
		assert.Equal(t, 1, ev.FaceCount)
		assert.Equal(t, "fake", ev.FrameRef, "frames are written when the period instance is flushed")
	}
	assert.Equal(t, map[string]int{"2024-09-02/1st-period": 5}, h.p.Status().StoredCounts)

	sums := h.sums.all()
	require.Len(t, sums, 1, "stop flushes the open period instance")
	assert.Equal(t, "1st-period", sums[0].PeriodID)
	assert.Equal(t, 5, sums[0].Attempts)
	assert.Equal(t, SummarySuccess, sums[0].Status)
	require.Len(t, sums[0].Files, 5)
	for i, path := range sums[0].Files {
		assert.Equal(t, filepath.Join(cfg.OutputDir, fmt.Sprintf("20240902_1st-period_%d.png", i+1)), path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, testPNG, data)
	}
}

func TestFireScheduled_ConcurrentFiringsNeverOvershoot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, at("10:06:00"), testConfig(), nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.p.FireScheduled(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, h.p.Status().StoredCounts["2024-09-02/1st-period"])
	assert.Equal(t, 5, h.rec.count("scheduled/stored"))
	h.stop(t)
}

func TestFireScheduled_CapIsPerPeriodInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, at("10:06:00"), testConfig(), nil)
	for range 6 {
		_, err := h.p.FireScheduled(t.Context())
		require.NoError(t, err)
	}

	h.clock.Set(at("11:06:00"))
	ev, err := h.p.FireScheduled(t.Context())
	require.NoError(t, err)
	assert.True(t, ev.Stored)
	assert.Equal(t, "2nd-period", ev.PeriodID)

	counts := h.p.Status().StoredCounts
	assert.Equal(t, 5, counts["2024-09-02/1st-period"])
	assert.Equal(t, 1, counts["2024-09-02/2nd-period"])
	h.stop(t)
}

func TestFireScheduled_FailuresDoNotConsumeCap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, at("10:06:00"), testConfig(), nil)
	require.NoError(t, h.p.Start())
	h.device.failNext.Store(2)

	for range 2 {
		ev, err := h.p.FireScheduled(t.Context())
		require.Error(t, err)
		assert.False(t, ev.Success)
		assert.False(t, ev.Stored)
		assert.Equal(t, string(errors.CategoryCapture), ev.ErrorKind)
	}
	for range 7 {
		_, err := h.p.FireScheduled(t.Context())
		require.NoError(t, err)
	}
	h.stop(t)

	assert.Len(t, storedEvents(h.recent.Events()), 5)
	assert.Equal(t, 2, h.rec.count("scheduled/capture_error"))
}

func TestFireScheduled_DetectionErrorIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, at("10:06:00"), testConfig(), nil)
	h.runtime.detectErr = fmt.Errorf("inference crashed")

	ev, err := h.p.FireScheduled(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDetection))
	assert.Equal(t, string(errors.CategoryDetection), ev.ErrorKind)
	assert.Contains(t, ev.Error, "inference crashed")
	assert.Zero(t, h.p.Status().StoredCounts["2024-09-02/1st-period"])
	h.stop(t)
}

func TestForcedCapture_ReleasesModelUnlessPhaseHoldsIt(t *testing.T) {
	t.Parallel()

	var ctrl *dutycycle.Controller
	h := newHarness(t, at("08:00:00"), testConfig(), func(h *harness) PhaseController {
		ctrl = boundController(t, h)
		return ctrl
	})

	ev, err := h.p.TriggerNow(t.Context())
	require.NoError(t, err)
	assert.True(t, ev.Stored)
	assert.Empty(t, ev.PeriodID, "outside every period")
	assert.False(t, h.model.Loaded(), "released after a forced capture while dormant")
	assert.Equal(t, int32(1), h.runtime.loads.Load())

	ctrl.SetForced(true)
	_, err = h.p.TriggerNow(t.Context())
	require.NoError(t, err)
	assert.True(t, h.model.Loaded(), "kept while the duty cycle holds it")
	assert.Equal(t, int32(2), h.runtime.loads.Load())

	h.stop(t)
	assert.False(t, h.model.Loaded())
}

func TestForcedCapture_KeepsModelWhenActiveBeginsMidCapture(t *testing.T) {
	t.Parallel()

	var ctrl *dutycycle.Controller
	h := newHarnessWith(t, at("10:04:00"), testConfig(),
		func(h *harness) PhaseController {
			ctrl = boundController(t, h)
			return ctrl
		},
		func(h *harness, d Detector) Detector {
			return hookedDetector{Detector: d, beforeRelease: func() {
				// the next active slot starts after detection finished
				ctrl.Tick(at("10:06:00"))
			}}
		})

	ctrl.Tick(at("10:05:00"))
	ctrl.Tick(at("10:05:20"))
	require.Equal(t, dutycycle.Cooldown, ctrl.Phase())
	require.False(t, h.model.Loaded())
	h.clock.Set(at("10:05:20"))

	ev, err := h.p.TriggerNow(t.Context())
	require.NoError(t, err)
	assert.True(t, ev.Success)

	assert.Equal(t, dutycycle.Active, ctrl.Phase())
	assert.True(t, h.model.Loaded(), "active phase must find the model loaded")
	assert.Equal(t, int32(2), h.runtime.loads.Load(), "no reload after the capture")

	h.stop(t)
	assert.False(t, h.model.Loaded())
}

func TestTriggerNow_BypassesCapButCounts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, at("10:06:00"), testConfig(), nil)
	for range 5 {
		_, err := h.p.FireScheduled(t.Context())
		require.NoError(t, err)
	}
	ev, err := h.p.TriggerNow(t.Context())
	require.NoError(t, err)
	assert.True(t, ev.Stored)
	assert.Equal(t, TriggerManual, ev.Trigger)
	assert.Equal(t, 6, h.p.Status().StoredCounts["2024-09-02/1st-period"])

	ev, err = h.p.FireScheduled(t.Context())
	require.NoError(t, err)
	assert.Empty(t, ev.ID)
	h.stop(t)
}

func TestPeriodicTick_DetectsOnlyWhileDetecting(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Interval = 5 * time.Second
	h := newHarness(t, at("10:05:00"), cfg, nil)
	require.NoError(t, h.p.Start())

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return h.rec.count("periodic/discarded") == 1
	}, time.Second, 5*time.Millisecond, "dormant frame discarded")

	h.phases.set(dutycycle.Active)
	_, err := h.model.EnsureLoaded(t.Context())
	require.NoError(t, err)

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return h.rec.count("periodic/detected") == 1
	}, time.Second, 5*time.Millisecond)

	h.stop(t)

	events := h.recent.Events()
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, TriggerPeriodic, ev.Trigger)
	assert.True(t, ev.Success)
	assert.False(t, ev.Stored, "periodic events are not stored by the core")
	assert.Equal(t, "1st-period", ev.PeriodID)
	assert.Equal(t, at("10:05:10"), ev.Timestamp)
	assert.Empty(t, storedEvents(events))
}

func TestPeriodicTick_CaptureErrorSkipsTick(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Interval = 5 * time.Second
	h := newHarness(t, at("10:05:00"), cfg, nil)
	h.phases.set(dutycycle.Active)
	h.device.failNext.Store(1)
	require.NoError(t, h.p.Start())

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return h.rec.count("periodic/capture_error") == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.pool.Len(), "failed handle released for reopen")

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return h.rec.count("periodic/discarded") == 1
	}, time.Second, 5*time.Millisecond, "next tick retries; model not loaded so frame is discarded")
	h.stop(t)
}

func TestPeriodicTick_HungCaptureTimesOut(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Interval = 5 * time.Second
	cfg.CaptureTimeout = 100 * time.Millisecond
	h := newHarness(t, at("10:05:00"), cfg, nil)
	h.phases.set(dutycycle.Active)
	_, err := h.model.EnsureLoaded(t.Context())
	require.NoError(t, err)
	h.device.block.Store(true)
	require.NoError(t, h.p.Start())

	begin := time.Now()
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return h.rec.count("periodic/capture_error") == 1
	}, time.Second, 5*time.Millisecond, "hung grab abandoned at the capture timeout")
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, int32(1), h.device.grabs.Load())
	assert.Equal(t, 0, h.pool.Len(), "hung handle released for reopen")
	assert.Empty(t, h.recent.Events())

	h.device.block.Store(false)
	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return h.rec.count("periodic/detected") == 1
	}, time.Second, 5*time.Millisecond, "next tick captures normally")
	assert.Equal(t, int32(2), h.device.grabs.Load())

	h.stop(t)
	events := h.recent.Events()
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Equal(t, at("10:05:10"), events[0].Timestamp)
}

func TestStop_TeardownLeavesNothingBehind(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Interval = 5 * time.Second
	var ctrl *dutycycle.Controller
	h := newHarness(t, at("08:00:00"), cfg, func(h *harness) PhaseController {
		ctrl = boundController(t, h)
		return ctrl
	})

	ctrl.SetForced(true)
	require.True(t, h.model.Loaded())
	require.NoError(t, h.p.Start())

	h.clock.Advance(5 * time.Second)
	require.Eventually(t, func() bool {
		return h.rec.count("periodic/detected") >= 1
	}, time.Second, 5*time.Millisecond)
	_, err := h.p.TriggerNow(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, h.pool.Len(), "periodic and manual owners hold a handle each")

	h.stop(t)

	assert.False(t, h.model.Loaded())
	assert.Equal(t, 0, h.pool.Len())
	assert.Equal(t, dutycycle.Dormant, ctrl.Phase())
	assert.False(t, h.p.Stream().Publish(CaptureEvent{ID: "late"}), "stream closed")
	_, open := <-h.p.Stream().Events()
	assert.False(t, open)

	h.stop(t)
	_, err = h.p.TriggerNow(t.Context())
	require.ErrorIs(t, err, ErrStopped)
}

func TestStop_DeadlineCancelsInFlightCapture(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	h := newHarness(t, at("10:06:00"), cfg, nil)
	require.NoError(t, h.p.Start())
	h.device.block.Store(true)

	done := make(chan error, 1)
	go func() {
		_, err := h.p.TriggerNow(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return h.device.grabs.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.p.Stop(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryTimeout))

	require.Error(t, <-done)
	assert.False(t, h.model.Loaded())
	assert.Equal(t, 0, h.pool.Len())
	assert.Equal(t, int32(1), h.phases.stops.Load())
}

func TestStart_Twice(t *testing.T) {
	t.Parallel()

	h := newHarness(t, at("10:06:00"), testConfig(), nil)
	require.NoError(t, h.p.Start())
	err := h.p.Start()
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
	assert.Equal(t, int32(1), h.phases.starts.Load())
	h.stop(t)
}

func TestStart_SchedulesWindowMinutes(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.DisableScheduled = false
	h := newHarness(t, at("08:00:00"), cfg, nil)
	require.NoError(t, h.p.Start())

	assert.Equal(t, []string{
		"10:05", "10:06", "10:07", "10:08", "10:09", "10:10",
		"11:05", "11:06", "11:07", "11:08", "11:09", "11:10",
	}, h.p.Status().ScheduledTimes)
	h.stop(t)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Interval = 0 }},
		{"zero timeout", func(c *Config) { c.CaptureTimeout = 0 }},
		{"timeout not below interval", func(c *Config) { c.CaptureTimeout = c.Interval }},
		{"negative cap", func(c *Config) { c.PerPeriodCap = -1 }},
		{"negative faces", func(c *Config) { c.RequiredFaces = -1 }},
		{"bad policy", func(c *Config) { c.Stream.Policy = "newest" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
		})
	}
	require.NoError(t, DefaultConfig().Validate())
}
