package dutycycle

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the detection duty-cycle state.
type Phase int32

const (
	// Dormant is outside every detection window; the model is not loaded.
	Dormant Phase = iota
	// Active is an inference slot inside a detection window.
	Active
	// Cooldown is the pause between slots; the model is released.
	Cooldown
	// ForcedActive keeps detection on regardless of the calendar.
	ForcedActive
)

func (p Phase) String() string {
	switch p {
	case Dormant:
		return "dormant"
	case Active:
		return "active"
	case Cooldown:
		return "cooldown"
	case ForcedActive:
		return "forced_active"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Detecting reports whether the model should be loaded in this phase.
func (p Phase) Detecting() bool {
	return p == Active || p == ForcedActive
}

// ParsePhase is the inverse of String.
func ParsePhase(s string) (Phase, error) {
	for _, p := range []Phase{Dormant, Active, Cooldown, ForcedActive} {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return Dormant, fmt.Errorf("unknown phase %q", s)
}

// PhaseChange is emitted once per transition.
type PhaseChange struct {
	Old      Phase
	New      Phase
	At       time.Time
	PeriodID string // empty outside a window and while forced
	Instance string // period instance date
}

// Entered reports whether the change moved into a detecting phase from a
// non-detecting one.
func (c PhaseChange) Entered() bool {
	return c.New.Detecting() && !c.Old.Detecting()
}

// Left reports whether the change moved out of the detecting phases.
func (c PhaseChange) Left() bool {
	return !c.New.Detecting() && c.Old.Detecting()
}
