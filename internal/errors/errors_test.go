package errors

import (
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	reported []*EnhancedError
}

func (r *recordingReporter) ReportError(ee *EnhancedError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reported = append(r.reported, ee)
	ee.MarkReported()
}

func (r *recordingReporter) IsEnabled() bool { return true }

func TestBuild_FastPathDefaults(t *testing.T) {
	SetTelemetryReporter(nil)

	ee := New(fmt.Errorf("boom")).Build()
	assert.Equal(t, "boom", ee.Error())
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
	assert.Equal(t, CategoryGeneric, ee.Category)
	assert.False(t, ee.IsReported())
}

func TestBuild_KeepsWrappedCategory(t *testing.T) {
	SetTelemetryReporter(nil)

	inner := New(NewStd("device busy")).Category(CategoryCapture).Build()
	outer := New(fmt.Errorf("acquire frame: %w", inner)).Component("pipeline").Build()

	assert.Equal(t, CategoryCapture, outer.Category)
	assert.True(t, IsCategory(outer, CategoryCapture))
	assert.Equal(t, CategoryCapture, CategoryOf(outer))
}

func TestEnhancedError_UnwrapAndIs(t *testing.T) {
	t.Parallel()

	sentinel := NewStd("sentinel")
	ee := New(fmt.Errorf("wrapped: %w", sentinel)).Category(CategoryModelLoad).Build()

	assert.ErrorIs(t, ee, sentinel)
	assert.True(t, stderrors.Is(ee, &EnhancedError{Category: CategoryModelLoad}))
	assert.False(t, stderrors.Is(ee, &EnhancedError{Category: CategoryCapture}))

	var target *EnhancedError
	require.True(t, As(fmt.Errorf("outer: %w", ee), &target))
	assert.Equal(t, CategoryModelLoad, target.Category)
}

func TestBuilder_ContextAndTiming(t *testing.T) {
	t.Parallel()

	ee := Newf("load failed after %d attempts", 1).
		Component("model").
		Category(CategoryModelLoad).
		Priority("bogus").
		Context("asset", "faces.onnx").
		Timing("ensure_loaded", 1500*time.Millisecond).
		Build()

	ctx := ee.GetContext()
	assert.Equal(t, "faces.onnx", ctx["asset"])
	assert.Equal(t, "ensure_loaded", ctx["operation"])
	assert.Equal(t, int64(1500), ctx["duration_ms"])
	assert.Equal(t, PriorityMedium, ee.Priority)

	ctx["asset"] = "mutated"
	assert.Equal(t, "faces.onnx", ee.GetContext()["asset"], "context copies are detached")
}

func TestIsCategory_NonEnhanced(t *testing.T) {
	t.Parallel()

	assert.False(t, IsCategory(NewStd("plain"), CategoryCapture))
	assert.False(t, IsCategory(nil, CategoryCapture))
	assert.Equal(t, ErrorCategory(""), CategoryOf(nil))
}

func TestReporting_DetectsComponentAndReportsOnce(t *testing.T) {
	reporter := &recordingReporter{}
	SetTelemetryReporter(reporter)
	t.Cleanup(func() { SetTelemetryReporter(nil) })

	ee := New(NewStd("mqtt down")).Category(CategoryMQTTConnection).Build()

	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	require.Len(t, reporter.reported, 1)
	assert.Same(t, ee, reporter.reported[0])
	assert.True(t, ee.IsReported())
	// called from the errors package test binary, no classwatch caller outside it
	assert.Equal(t, ComponentUnknown, ee.GetComponent())
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"query", "GET https://models.example.com/faces.onnx?sig=abc failed", "GET https://models.example.com/faces.onnx?[REDACTED] failed"},
		{"credential", "broker rejected password=hunter2", "broker rejected password=[REDACTED]"},
		{"userinfo", "dial tcp://user:pw@broker:1883 refused", "dial tcp://[REDACTED]@broker:1883 refused"},
		{"clean", "capture timed out", "capture timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, scrubMessage(tt.in))
		})
	}
}

func TestErrorTitle(t *testing.T) {
	t.Parallel()

	ee := New(NewStd("x")).Component("model").Category(CategoryModelLoad).Timing("ensure_loaded", 0).Build()
	assert.Equal(t, "Model Model loading Error Ensure Loaded", errorTitle(ee))
}

func TestInitSentry_EmptyDSNDisablesReporting(t *testing.T) {
	require.NoError(t, InitSentry("", "dev", "test"))
	assert.False(t, hasActiveReporting.Load())
}
