package model

import (
	"context"

	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/logger"
)

// PhaseSource publishes duty-cycle phase changes.
type PhaseSource interface {
	Subscribe(fn dutycycle.Subscriber)
}

// Bind makes phase changes the driver of the model lifecycle: entering
// Active or ForcedActive rearms and loads, entering Cooldown or Dormant
// releases. While a detecting phase is in effect the model is marked as
// wanted and ReleaseUnlessWanted leaves it alone. The subscriber runs synchronously, so the load or release has
// finished before the controller evaluates its next tick.
func (m *Manager) Bind(src PhaseSource) {
	src.Subscribe(m.onPhaseChange)
}

func (m *Manager) onPhaseChange(change dutycycle.PhaseChange) {
	m.setWanted(change.New.Detecting())
	if change.New.Detecting() {
		m.Rearm()
		// load failures are recorded and logged by EnsureLoaded
		_, _ = m.EnsureLoaded(context.Background())
		return
	}
	if err := m.Release(); err != nil {
		m.log.Warn("Model release reported an error",
			logger.Error(err),
			logger.String("phase", change.New.String()))
	}
}
