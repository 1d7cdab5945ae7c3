package analysis

import (
	"context"
	"time"

	"github.com/classwatch/classwatch/internal/conf"
	"github.com/classwatch/classwatch/internal/logger"
)

// ShutdownTimeout bounds teardown after the monitor context ends.
const ShutdownTimeout = 15 * time.Second

// RunMonitor runs the engine until ctx is cancelled or the status API fails,
// then tears it down.
func RunMonitor(ctx context.Context, settings *conf.Settings, opts ...Option) error {
	e, err := NewEngine(settings, opts...)
	if err != nil {
		return err
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Stop(context.Background())
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		e.log.Info("Shutdown requested")
	case err, ok := <-e.HTTPDone():
		if ok && err != nil {
			runErr = err
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := e.Stop(stopCtx); err != nil {
		e.log.Error("Engine teardown incomplete", logger.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
