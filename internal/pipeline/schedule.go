package pipeline

import (
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/classwatch/classwatch/internal/calendar"
	"github.com/classwatch/classwatch/internal/logger"
)

// WindowLister resolves the detection windows of a day.
type WindowLister interface {
	WindowsOn(day time.Time) []calendar.ActiveWindow
}

// ScheduledTimes returns one time of day per whole minute of every detection
// window on day, both window bounds included. A 10:05-10:10 window yields
// 10:05 through 10:10.
func ScheduledTimes(windows WindowLister, day time.Time) []calendar.TimeOfDay {
	var times []calendar.TimeOfDay
	for _, w := range windows.WindowsOn(day) {
		for t := w.Start; !t.After(w.End); t = t.Add(time.Minute) {
			times = append(times, calendar.TimeOfDay{Hour: t.Hour(), Minute: t.Minute()})
		}
	}
	slices.SortFunc(times, func(a, b calendar.TimeOfDay) int { return a.Minutes() - b.Minutes() })
	return slices.Compact(times)
}

// CronSpecs converts times of day into daily cron specs ("MM HH * * *").
func CronSpecs(times []calendar.TimeOfDay) []string {
	specs := make([]string, 0, len(times))
	for _, t := range times {
		specs = append(specs, fmt.Sprintf("%d %d * * *", t.Minute, t.Hour))
	}
	return specs
}

// newScheduler builds a cron scheduler whose jobs never overlap.
func newScheduler(loc *time.Location, log logger.Logger) *cron.Cron {
	cl := cronLogger{log: log}
	return cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)),
	)
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.log.Error("cron: "+msg, append(kvFields(keysAndValues), logger.Error(err))...)
}

func kvFields(kv []any) []logger.Field {
	fields := make([]logger.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		fields = append(fields, logger.Any(key, kv[i+1]))
	}
	return fields
}
