package pipeline

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/classwatch/classwatch/internal/capture"
	"github.com/classwatch/classwatch/internal/logger"
)

// DefaultBestFrames is how many candidate frames a period instance keeps.
const DefaultBestFrames = 10

// candidate is a frame with at least one detected face.
type candidate struct {
	frame     capture.Frame
	sharpness float64
	eventID   string
}

// candidateSet keeps the sharpest frames of one period instance, sharpest
// first. A set with no frames still records that detection ran.
type candidateSet struct {
	key      string
	periodID string
	instance string
	day      time.Time
	attempts int
	frames   []candidate
}

func (s *candidateSet) offer(c candidate, limit int) {
	i := sort.Search(len(s.frames), func(i int) bool {
		return s.frames[i].sharpness < c.sharpness
	})
	if limit > 0 && i >= limit {
		return
	}
	s.frames = slices.Insert(s.frames, i, c)
	if limit > 0 && len(s.frames) > limit {
		s.frames = s.frames[:limit]
	}
}

// frameArchive holds the candidate sets of period instances that have not
// been flushed yet. A flushed instance accepts no more frames, so a capture
// that straddles the rollover cannot overwrite the written files.
type frameArchive struct {
	limit int

	mu      sync.Mutex
	sets    map[string]*candidateSet
	flushed map[string]struct{}
}

func newFrameArchive(limit int) *frameArchive {
	if limit <= 0 {
		limit = DefaultBestFrames
	}
	return &frameArchive{
		limit:   limit,
		sets:    make(map[string]*candidateSet),
		flushed: make(map[string]struct{}),
	}
}

func (a *frameArchive) setLocked(ev CaptureEvent, day time.Time) *candidateSet {
	key := ev.InstanceKey()
	if _, done := a.flushed[key]; done {
		return nil
	}
	s, ok := a.sets[key]
	if !ok {
		s = &candidateSet{key: key, periodID: ev.PeriodID, instance: ev.PeriodInstance, day: day}
		a.sets[key] = s
	}
	return s
}

// attempt records a detection without faces for ev's period instance. It
// reports false once the instance has been flushed.
func (a *frameArchive) attempt(ev CaptureEvent, day time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.setLocked(ev, day)
	if s == nil {
		return false
	}
	s.attempts++
	return true
}

// offer adds c to ev's period instance, keeping the sharpest frames. It
// reports false once the instance has been flushed.
func (a *frameArchive) offer(ev CaptureEvent, day time.Time, c candidate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.setLocked(ev, day)
	if s == nil {
		return false
	}
	s.attempts++
	s.offer(c, a.limit)
	return true
}

// takeExcept removes and returns every set other than current, oldest
// instance first.
func (a *frameArchive) takeExcept(current string) []*candidateSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*candidateSet
	for key, s := range a.sets {
		if key == current {
			continue
		}
		out = append(out, s)
		delete(a.sets, key)
		a.flushed[key] = struct{}{}
	}
	sortSets(out)
	return out
}

// takeAll removes and returns every set.
func (a *frameArchive) takeAll() []*candidateSet {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := slices.Collect(maps.Values(a.sets))
	for key := range a.sets {
		a.flushed[key] = struct{}{}
	}
	clear(a.sets)
	sortSets(out)
	return out
}

// prune forgets flushed instances whose key does not start with keepPrefix.
// Unflushed sets are kept; the next rollover writes them.
func (a *frameArchive) prune(keepPrefix string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for key := range a.flushed {
		if !strings.HasPrefix(key, keepPrefix) {
			delete(a.flushed, key)
		}
	}
}

// pending returns the number of candidate frames held per instance key.
func (a *frameArchive) pending() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]int, len(a.sets))
	for key, s := range a.sets {
		out[key] = len(s.frames)
	}
	return out
}

func sortSets(sets []*candidateSet) {
	slices.SortFunc(sets, func(a, b *candidateSet) int {
		return cmp.Or(a.day.Compare(b.day), cmp.Compare(a.key, b.key))
	})
}

// rollover writes every period instance other than the one at now.
func (p *Pipeline) rollover(ctx context.Context, now time.Time) {
	instance, periodID := p.instanceAt(now)
	p.flushSets(ctx, p.archive.takeExcept(instance+"/"+periodID))
}

// keepFrame offers a detected frame to its period instance. Frames outside
// every period are not archived.
func (p *Pipeline) keepFrame(ev CaptureEvent, start time.Time, frame capture.Frame) {
	if ev.PeriodID == "" {
		return
	}
	day := start.In(p.cal.Location())
	var kept bool
	if ev.FaceCount == 0 {
		kept = p.archive.attempt(ev, day)
	} else {
		score, err := Sharpness(frame.PNG)
		if err != nil {
			p.log.Debug("Frame sharpness unavailable, ranking it last",
				logger.String("event_id", ev.ID),
				logger.Error(err))
		}
		kept = p.archive.offer(ev, day, candidate{
			frame:     frame,
			sharpness: score,
			eventID:   ev.ID,
		})
	}
	if !kept {
		p.log.Debug("Period instance already flushed, frame not archived",
			logger.String("event_id", ev.ID),
			logger.String("instance", ev.InstanceKey()))
	}
}

func (p *Pipeline) flushSets(ctx context.Context, sets []*candidateSet) {
	for _, s := range sets {
		p.flushSet(ctx, s)
	}
}

// flushSet writes a period instance's frames sharpest first as ranks 1..n
// and hands the summary to every SummaryWriter.
func (p *Pipeline) flushSet(ctx context.Context, s *candidateSet) PeriodSummary {
	sum := PeriodSummary{
		PeriodInstance: s.instance,
		PeriodID:       s.periodID,
		Attempts:       s.attempts,
		Status:         SummaryFailed,
		FlushedAt:      p.clock.Now(),
	}
	for i, c := range s.frames {
		path, err := p.frames.Save(c.frame, s.day, s.periodID, i+1)
		if err != nil {
			p.log.Warn("Failed to save period frame",
				logger.String("instance", s.key),
				logger.String("event_id", c.eventID),
				logger.Error(err))
			continue
		}
		sum.Files = append(sum.Files, path)
		sum.Sharpness = append(sum.Sharpness, c.sharpness)
	}
	if len(sum.Files) > 0 {
		sum.Status = SummarySuccess
	}
	p.log.Info("Period frames written",
		logger.String("instance", s.key),
		logger.Int("attempts", s.attempts),
		logger.Int("frames", len(sum.Files)),
		logger.String("status", sum.Status))

	// summaries are written during teardown too, after ctx may have ended
	ctx = context.WithoutCancel(ctx)
	for _, w := range p.summaries {
		wctx, cancel := context.WithTimeout(ctx, p.dispatch.timeout)
		err := w.SavePeriodSummary(wctx, sum)
		cancel()
		if err != nil {
			p.log.Warn("Failed to record period summary",
				logger.String("instance", s.key),
				logger.Error(err))
		}
	}
	return sum
}
