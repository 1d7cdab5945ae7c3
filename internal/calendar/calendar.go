// Package calendar resolves class periods and their detection windows to
// absolute time ranges.
//
// A Calendar is immutable after New and every lookup is a pure function of
// the instant passed in; the per-date cache only memoizes those results.
package calendar

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/classwatch/classwatch/internal/errors"
)

const (
	// DefaultWindowStartMinutes and DefaultWindowEndMinutes place detection
	// 35 to 40 minutes into each period.
	DefaultWindowStartMinutes = 35
	DefaultWindowEndMinutes   = 40

	dateKeyLayout = "2006-01-02"
	cacheTTL      = 48 * time.Hour

	// lookahead bounds NextWindow when every remaining period today is disabled
	lookaheadDays = 7
)

// Offsets is a detection window relative to a period start, in minutes.
type Offsets struct {
	StartMinutes int
	EndMinutes   int
}

func (o Offsets) start() time.Duration { return time.Duration(o.StartMinutes) * time.Minute }
func (o Offsets) end() time.Duration   { return time.Duration(o.EndMinutes) * time.Minute }

// Period is one class period. Window overrides the calendar offsets when set.
type Period struct {
	ID      string
	Label   string
	Start   TimeOfDay
	End     TimeOfDay
	Enabled bool
	Window  *Offsets
}

// Duration returns the length of the period.
func (p Period) Duration() time.Duration {
	return time.Duration(p.End.Minutes()-p.Start.Minutes()) * time.Minute
}

// DetectionWindow is a period's window expressed as offsets from its start.
type DetectionWindow struct {
	PeriodID    string
	StartOffset time.Duration
	EndOffset   time.Duration
}

// ActiveWindow is a detection window resolved for one period instance.
type ActiveWindow struct {
	Period   Period
	Window   DetectionWindow
	Instance string    // period instance date, YYYY-MM-DD
	Start    time.Time // inclusive
	End      time.Time // exclusive
}

// Contains reports whether t falls in [Start, End).
func (w ActiveWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// InstanceKey identifies a period instance, e.g. "2024-09-02/p1".
func (w ActiveWindow) InstanceKey() string {
	return w.Instance + "/" + w.Period.ID
}

// Config is the static calendar definition.
type Config struct {
	Periods  []Period
	Window   Offsets
	Location *time.Location
}

// Calendar answers window lookups for a validated Config.
type Calendar struct {
	periods []Period
	window  Offsets
	loc     *time.Location
	days    *cache.Cache
}

// New validates cfg and returns a Calendar. Validation failures are
// configuration errors and list every problem found.
func New(cfg Config) (*Calendar, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}

	periods := slices.Clone(cfg.Periods)
	slices.SortStableFunc(periods, func(a, b Period) int {
		return a.Start.Minutes() - b.Start.Minutes()
	})

	if problems := validate(periods, cfg.Window); len(problems) > 0 {
		return nil, errors.Newf("invalid schedule: %s", strings.Join(problems, "; ")).
			Component("calendar").
			Category(errors.CategoryConfiguration).
			Context("problems", len(problems)).
			Build()
	}

	return &Calendar{
		periods: periods,
		window:  cfg.Window,
		loc:     loc,
		// no janitor goroutine; expired days are purged on cache misses
		days: cache.New(cacheTTL, 0),
	}, nil
}

func validate(periods []Period, global Offsets) []string {
	var problems []string
	seen := make(map[string]bool, len(periods))

	for i, p := range periods {
		name := p.ID
		if name == "" {
			problems = append(problems, fmt.Sprintf("period %d has no id", i+1))
			name = fmt.Sprintf("#%d", i+1)
		} else if seen[p.ID] {
			problems = append(problems, fmt.Sprintf("duplicate period id %q", p.ID))
		}
		seen[p.ID] = true

		if !p.Start.Before(p.End) {
			problems = append(problems, fmt.Sprintf("period %s: end %s is not after start %s", name, p.End, p.Start))
			continue
		}

		off := global
		if p.Window != nil {
			off = *p.Window
		}
		switch {
		case off.StartMinutes < 0:
			problems = append(problems, fmt.Sprintf("period %s: window start offset %d is negative", name, off.StartMinutes))
		case off.StartMinutes >= off.EndMinutes:
			problems = append(problems, fmt.Sprintf("period %s: window start offset %d is not before end offset %d", name, off.StartMinutes, off.EndMinutes))
		case off.end() > p.Duration():
			problems = append(problems, fmt.Sprintf("period %s: window end offset %dm exceeds period length %s", name, off.EndMinutes, p.Duration()))
		}

		if i > 0 {
			prev := periods[i-1]
			if p.Start.Before(prev.End) {
				problems = append(problems, fmt.Sprintf("period %s (%s-%s) overlaps %s (%s-%s)", name, p.Start, p.End, prev.ID, prev.Start, prev.End))
			}
		}
	}
	return problems
}

// Location returns the time zone periods are interpreted in.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// Periods returns all periods ordered by start, including disabled ones.
func (c *Calendar) Periods() []Period {
	return slices.Clone(c.periods)
}

// Period returns the period with the given id.
func (c *Calendar) Period(id string) (Period, bool) {
	for _, p := range c.periods {
		if p.ID == id {
			return p, true
		}
	}
	return Period{}, false
}

// WindowsFor returns the detection windows covering t. Windows never overlap
// so the result has at most one element.
func (c *Calendar) WindowsFor(t time.Time) []ActiveWindow {
	for _, w := range c.WindowsOn(t) {
		if w.Contains(t) {
			return []ActiveWindow{w}
		}
	}
	return nil
}

// WindowAt is WindowsFor for callers that want a single value.
func (c *Calendar) WindowAt(t time.Time) (ActiveWindow, bool) {
	ws := c.WindowsFor(t)
	if len(ws) == 0 {
		return ActiveWindow{}, false
	}
	return ws[0], true
}

// WindowsOn returns the resolved windows of enabled periods on the date of day.
func (c *Calendar) WindowsOn(day time.Time) []ActiveWindow {
	key := day.In(c.loc).Format(dateKeyLayout)
	if cached, found := c.days.Get(key); found {
		if ws, ok := cached.([]ActiveWindow); ok {
			return slices.Clone(ws)
		}
	}
	c.days.DeleteExpired()

	ws := make([]ActiveWindow, 0, len(c.periods))
	for _, p := range c.periods {
		if !p.Enabled {
			continue
		}
		off := c.offsetsFor(p)
		start := p.Start.On(day, c.loc)
		ws = append(ws, ActiveWindow{
			Period: p,
			Window: DetectionWindow{
				PeriodID:    p.ID,
				StartOffset: off.start(),
				EndOffset:   off.end(),
			},
			Instance: key,
			Start:    start.Add(off.start()),
			End:      start.Add(off.end()),
		})
	}
	c.days.Set(key, ws, cache.DefaultExpiration)
	return slices.Clone(ws)
}

func (c *Calendar) offsetsFor(p Period) Offsets {
	if p.Window != nil {
		return *p.Window
	}
	return c.window
}

// PeriodAt returns the enabled period in session at t, if any.
func (c *Calendar) PeriodAt(t time.Time) (Period, bool) {
	for _, p := range c.periods {
		if !p.Enabled {
			continue
		}
		if !t.Before(p.Start.On(t, c.loc)) && t.Before(p.End.On(t, c.loc)) {
			return p, true
		}
	}
	return Period{}, false
}

// NextWindow returns the window in progress at t or the next one to start.
func (c *Calendar) NextWindow(t time.Time) (ActiveWindow, bool) {
	day := t.In(c.loc)
	for range lookaheadDays {
		for _, w := range c.WindowsOn(day) {
			if t.Before(w.End) {
				return w, true
			}
		}
		y, m, d := day.Date()
		day = time.Date(y, m, d+1, 0, 0, 0, 0, c.loc)
	}
	return ActiveWindow{}, false
}
