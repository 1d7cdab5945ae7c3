package analysis

import (
	"context"

	"github.com/classwatch/classwatch/internal/conf"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/pipeline"
)

// CaptureOnce grabs one frame, loads the model regardless of the duty cycle,
// runs detection and stores the result as a manual capture. Nothing is left
// running afterwards.
func CaptureOnce(ctx context.Context, settings *conf.Settings, opts ...Option) (pipeline.CaptureEvent, error) {
	e, err := NewEngine(settings, append(opts, WithoutHTTP())...)
	if err != nil {
		return pipeline.CaptureEvent{}, err
	}

	ev, captureErr := e.Pipeline.TriggerNow(ctx)
	// the dispatcher is not running in one-shot mode
	if e.Store != nil && ev.ID != "" {
		if err := e.Store.SaveEvent(ctx, ev); err != nil {
			e.log.Warn("Failed to persist capture event", logger.Error(err))
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := e.Stop(stopCtx); err != nil {
		e.log.Warn("Teardown after one-shot capture incomplete", logger.Error(err))
	}
	return ev, captureErr
}
