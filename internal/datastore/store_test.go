package datastore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/model"
	"github.com/classwatch/classwatch/internal/pipeline"
)

type opRecorder struct {
	ops map[string]int
}

func (r *opRecorder) RecordDbOperation(operation, table string, _ time.Duration, _ error) {
	r.ops[operation+":"+table]++
}

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "classwatch.db"),
		append([]Option{WithLogger(logger.NewNopLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func event(id, period string, stored bool) pipeline.CaptureEvent {
	return pipeline.CaptureEvent{
		ID:             id,
		Timestamp:      time.Date(2024, 9, 2, 10, 6, 0, 0, time.UTC),
		PeriodID:       period,
		PeriodInstance: "2024-09-02",
		Trigger:        pipeline.TriggerScheduled,
		FaceCount:      1,
		Faces:          []model.Face{{X: 1, Y: 2, Width: 30, Height: 30, Confidence: 0.9}},
		Present:        true,
		Stored:         stored,
		Success:        true,
		Duration:       120 * time.Millisecond,
	}
}

func TestStore_SaveEventAndStoredCounts(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.SaveEvent(ctx, event("a", "1st-period", true)))
	require.NoError(t, s.SaveEvent(ctx, event("b", "1st-period", true)))
	require.NoError(t, s.SaveEvent(ctx, event("b", "1st-period", true)), "duplicate save is a no-op")
	require.NoError(t, s.SaveEvent(ctx, event("c", "2nd-period", true)))
	require.NoError(t, s.SaveEvent(ctx, event("d", "2nd-period", false)))

	counts, err := s.StoredCounts(ctx, "2024-09-02")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"2024-09-02/1st-period": 2,
		"2024-09-02/2nd-period": 1,
	}, counts)

	counts, err = s.StoredCounts(ctx, "2024-09-03")
	require.NoError(t, err)
	assert.Empty(t, counts)

	recent, err := s.RecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Contains(t, recent[0].Faces, `"confidence":0.9`)
	assert.Equal(t, int64(120), recent[0].DurationMillis)
}

func TestEventSink_StoredOnly(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	sink := NewEventSink(s, true)
	assert.Equal(t, "datastore", sink.Name())

	failed := event("f", "1st-period", false)
	failed.Success = false
	failed.ErrorKind = "capture"

	require.NoError(t, sink.Consume(t.Context(), event("periodic", "1st-period", false)))
	require.NoError(t, sink.Consume(t.Context(), event("stored", "1st-period", true)))
	require.NoError(t, sink.Consume(t.Context(), failed))

	recent, err := s.RecentEvents(t.Context(), 10)
	require.NoError(t, err)
	var ids []string
	for _, r := range recent {
		ids = append(ids, r.EventID)
	}
	assert.ElementsMatch(t, []string{"stored", "f"}, ids)
}

func TestStore_RecordPhases(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ch := make(chan dutycycle.PhaseChange, 2)
	start := time.Date(2024, 9, 2, 10, 5, 0, 0, time.UTC)
	ch <- dutycycle.PhaseChange{Old: dutycycle.Dormant, New: dutycycle.Active, At: start, PeriodID: "1st-period", Instance: "2024-09-02"}
	ch <- dutycycle.PhaseChange{Old: dutycycle.Active, New: dutycycle.Cooldown, At: start.Add(15 * time.Second)}
	close(ch)
	s.RecordPhases(ch)

	history, err := s.PhaseHistory(t.Context(), start)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "dormant", history[0].FromPhase)
	assert.Equal(t, "active", history[0].ToPhase)
	assert.Equal(t, "cooldown", history[1].ToPhase)
}

func TestStore_Metrics(t *testing.T) {
	t.Parallel()

	rec := &opRecorder{ops: make(map[string]int)}
	s := openTestStore(t, WithMetrics(rec))
	require.NoError(t, s.SaveEvent(t.Context(), event("a", "p", true)))
	assert.Positive(t, rec.ops["insert:capture_records"])
}

func TestParseSQLOperation(t *testing.T) {
	t.Parallel()

	tests := []struct{ sql, op, table string }{
		{"SELECT * FROM `capture_records` WHERE id = 1", "select", "capture_records"},
		{`INSERT INTO "phase_records" (at) VALUES (?)`, "insert", "phase_records"},
		{"UPDATE capture_records SET x = 1", "update", "capture_records"},
		{"PRAGMA foreign_keys", sqlUnknown, sqlUnknown},
	}
	for _, tt := range tests {
		op, table := parseSQLOperation(tt.sql)
		assert.Equal(t, tt.op, op, tt.sql)
		assert.Equal(t, tt.table, table, tt.sql)
	}
}

func TestMySQLConfig(t *testing.T) {
	t.Parallel()

	cfg := MySQLConfig{Username: "cw", Password: "pw", Host: "db", Port: "3306", Database: "classwatch"}
	assert.Equal(t, "cw:pw@tcp(db:3306)/classwatch?charset=utf8mb4&parseTime=True&loc=UTC", cfg.DSN())

	_, err := OpenMySQL(MySQLConfig{Host: "db"})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestStore_SavePeriodSummaryUpserts(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := t.Context()
	flushed := time.Date(2024, 9, 2, 10, 30, 0, 0, time.UTC)

	require.NoError(t, s.SavePeriodSummary(ctx, pipeline.PeriodSummary{
		PeriodInstance: "2024-09-02",
		PeriodID:       "1st-period",
		Attempts:       4,
		Files:          []string{"captures/20240902_1st-period_1.png"},
		Status:         pipeline.SummarySuccess,
		FlushedAt:      flushed,
	}))
	require.NoError(t, s.SavePeriodSummary(ctx, pipeline.PeriodSummary{
		PeriodInstance: "2024-09-02",
		PeriodID:       "2nd-period",
		Attempts:       2,
		Status:         pipeline.SummaryFailed,
		FlushedAt:      flushed.Add(time.Hour),
	}))
	// a restart flushes 1st-period again
	require.NoError(t, s.SavePeriodSummary(ctx, pipeline.PeriodSummary{
		PeriodInstance: "2024-09-02",
		PeriodID:       "1st-period",
		Attempts:       6,
		Files:          []string{"captures/20240902_1st-period_1.png", "captures/20240902_1st-period_2.png"},
		Status:         pipeline.SummarySuccess,
		FlushedAt:      flushed.Add(time.Minute),
	}))

	recs, err := s.PeriodSummaries(ctx, "2024-09-02")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "1st-period", recs[0].PeriodID)
	assert.Equal(t, 6, recs[0].Attempts)
	assert.Equal(t, 2, recs[0].FrameCount)
	assert.Equal(t, pipeline.SummarySuccess, recs[0].Status)
	files, err := recs[0].FileList()
	require.NoError(t, err)
	assert.Equal(t, []string{"captures/20240902_1st-period_1.png", "captures/20240902_1st-period_2.png"}, files)

	assert.Equal(t, "2nd-period", recs[1].PeriodID)
	assert.Equal(t, pipeline.SummaryFailed, recs[1].Status)
	assert.Zero(t, recs[1].FrameCount)

	none, err := s.PeriodSummaries(ctx, "2024-09-03")
	require.NoError(t, err)
	assert.Empty(t, none)
}
