// Package datastore persists capture events and phase transitions through
// GORM, in SQLite by default or MySQL.
package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/classwatch/classwatch/internal/dutycycle"
	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/pipeline"
)

// Store is the event store.
type Store struct {
	DB *gorm.DB
	// path names the database in errors and logs; MySQL stores use host/db
	path string
	log  logger.Logger
}

// MySQLConfig addresses a MySQL database.
type MySQLConfig struct {
	Username string
	Password string
	Host     string
	Port     string
	Database string
}

// DSN returns the go-sql-driver connection string.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.Username, c.Password, c.Host, c.Port, c.Database)
}

func (c MySQLConfig) validate() error {
	switch {
	case c.Host == "":
		return errors.NewStd("mysql host is empty")
	case c.Database == "":
		return errors.NewStd("mysql database is empty")
	case c.Username == "":
		return errors.NewStd("mysql username is empty")
	}
	return nil
}

// Option configures a Store.
type Option func(*options)

type options struct {
	log      logger.Logger
	metrics  Recorder
	logLevel gormlogger.LogLevel
}

// WithLogger sets the store logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records every query in m.
func WithMetrics(m Recorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithDebug logs every query.
func WithDebug(debug bool) Option {
	return func(o *options) {
		if debug {
			o.logLevel = gormlogger.Info
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logLevel: gormlogger.Warn}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = GetLogger()
	}
	return o
}

// Open opens or creates the SQLite database at path and migrates the schema.
func Open(path string, opts ...Option) (*Store, error) {
	o := buildOptions(opts)
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, dbError(err, "open", path)
		}
	}
	return open(sqlite.Open(path), "SQLite", path, o)
}

// OpenMySQL connects to a MySQL database and migrates the schema.
func OpenMySQL(cfg MySQLConfig, opts ...Option) (*Store, error) {
	name := cfg.Host + "/" + cfg.Database
	if err := cfg.validate(); err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Context("database", name).
			Build()
	}
	return open(mysql.Open(cfg.DSN()), "MySQL", name, buildOptions(opts))
}

func open(dialector gorm.Dialector, kind, name string, o options) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(o.log, DefaultSlowQueryThreshold, o.logLevel, o.metrics),
	})
	if err != nil {
		return nil, dbError(fmt.Errorf("failed to open %s database: %w", kind, err), "open", name)
	}
	if err := db.AutoMigrate(&CaptureRecord{}, &PhaseRecord{}, &PeriodSummaryRecord{}); err != nil {
		return nil, dbError(fmt.Errorf("failed to auto-migrate %s database: %w", kind, err), "migrate", name)
	}

	o.log.Info("Event store opened",
		logger.String("driver", kind),
		logger.String("database", name))
	return &Store{DB: db, path: name, log: o.log}, nil
}

// SaveEvent inserts ev. Saving the same event twice is a no-op.
func (s *Store) SaveEvent(ctx context.Context, ev pipeline.CaptureEvent) error {
	faces := ""
	if len(ev.Faces) > 0 {
		b, err := json.Marshal(ev.Faces)
		if err != nil {
			return dbError(err, "encode_faces", s.path)
		}
		faces = string(b)
	}
	rec := CaptureRecord{
		EventID:        ev.ID,
		Timestamp:      ev.Timestamp,
		PeriodID:       ev.PeriodID,
		PeriodInstance: ev.PeriodInstance,
		Trigger:        string(ev.Trigger),
		FrameRef:       ev.FrameRef,
		FaceCount:      ev.FaceCount,
		Faces:          faces,
		Present:        ev.Present,
		Stored:         ev.Stored,
		Success:        ev.Success,
		ErrorKind:      ev.ErrorKind,
		Error:          ev.Error,
		DurationMillis: ev.Duration.Milliseconds(),
	}
	err := s.DB.WithContext(ctx).
		Where(CaptureRecord{EventID: ev.ID}).
		FirstOrCreate(&rec).Error
	if err != nil {
		return dbError(err, "save_event", s.path)
	}
	return nil
}

// SavePhaseChange records one transition.
func (s *Store) SavePhaseChange(ctx context.Context, c dutycycle.PhaseChange) error {
	rec := PhaseRecord{
		At:        c.At,
		FromPhase: c.Old.String(),
		ToPhase:   c.New.String(),
		PeriodID:  c.PeriodID,
		Instance:  c.Instance,
	}
	if err := s.DB.WithContext(ctx).Create(&rec).Error; err != nil {
		return dbError(err, "save_phase", s.path)
	}
	return nil
}

// SavePeriodSummary upserts the summary of one period instance. A second
// flush of the same instance, e.g. after a restart, replaces the first.
func (s *Store) SavePeriodSummary(ctx context.Context, sum pipeline.PeriodSummary) error {
	files, err := json.Marshal(sum.Files)
	if err != nil {
		return dbError(err, "encode_files", s.path)
	}
	rec := PeriodSummaryRecord{
		PeriodInstance: sum.PeriodInstance,
		PeriodID:       sum.PeriodID,
		Attempts:       sum.Attempts,
		FrameCount:     len(sum.Files),
		Files:          string(files),
		Status:         sum.Status,
		FlushedAt:      sum.FlushedAt,
	}
	err = s.DB.WithContext(ctx).
		Where(PeriodSummaryRecord{PeriodInstance: sum.PeriodInstance, PeriodID: sum.PeriodID}).
		Assign(PeriodSummaryRecord{
			Attempts:   rec.Attempts,
			FrameCount: rec.FrameCount,
			Files:      rec.Files,
			Status:     rec.Status,
			FlushedAt:  rec.FlushedAt,
		}).
		FirstOrCreate(&rec).Error
	if err != nil {
		return dbError(err, "save_summary", s.path)
	}
	return nil
}

// PeriodSummaries returns the summaries of one instance date (YYYY-MM-DD)
// in flush order.
func (s *Store) PeriodSummaries(ctx context.Context, instance string) ([]PeriodSummaryRecord, error) {
	var recs []PeriodSummaryRecord
	err := s.DB.WithContext(ctx).
		Where("period_instance = ?", instance).
		Order("flushed_at asc, id asc").
		Find(&recs).Error
	if err != nil {
		return nil, dbError(err, "period_summaries", s.path)
	}
	return recs, nil
}

// FileList decodes Files.
func (r PeriodSummaryRecord) FileList() ([]string, error) {
	var files []string
	if r.Files == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(r.Files), &files); err != nil {
		return nil, err
	}
	return files, nil
}

// StoredCounts returns stored events per "<instance>/<period>" key for one
// instance date (YYYY-MM-DD).
func (s *Store) StoredCounts(ctx context.Context, instance string) (map[string]int, error) {
	var rows []struct {
		PeriodInstance string
		PeriodID       string
		N              int
	}
	err := s.DB.WithContext(ctx).
		Model(&CaptureRecord{}).
		Select("period_instance, period_id, count(*) as n").
		Where("stored = ? AND period_instance = ?", true, instance).
		Group("period_instance, period_id").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "stored_counts", s.path)
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.PeriodInstance+"/"+r.PeriodID] = r.N
	}
	return counts, nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]CaptureRecord, error) {
	var recs []CaptureRecord
	err := s.DB.WithContext(ctx).Order("timestamp desc, id desc").Limit(limit).Find(&recs).Error
	if err != nil {
		return nil, dbError(err, "recent_events", s.path)
	}
	return recs, nil
}

// PhaseHistory returns transitions since t, oldest first.
func (s *Store) PhaseHistory(ctx context.Context, since time.Time) ([]PhaseRecord, error) {
	var recs []PhaseRecord
	err := s.DB.WithContext(ctx).Where("at >= ?", since).Order("at asc, id asc").Find(&recs).Error
	if err != nil {
		return nil, dbError(err, "phase_history", s.path)
	}
	return recs, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return dbError(err, "close", s.path)
	}
	return sqlDB.Close()
}

func dbError(err error, op, path string) error {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Context("path", path).
		Build()
}
