package logger

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	globalLogger   *CentralLogger
	globalLoggerMu sync.Mutex
)

// SetGlobal installs the process-wide CentralLogger. Call once at startup.
func SetGlobal(cl *CentralLogger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	globalLogger = cl
}

// Global returns the process-wide logger, falling back to an info-level
// console logger when none has been installed.
func Global() *CentralLogger {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()

	if globalLogger == nil {
		globalLogger = newWriterLogger(os.Stdout, slog.LevelInfo, time.Local)
	}
	return globalLogger
}

// NewSlogLogger returns a logger that writes text records to w. Used by
// commands that print to a terminal and by tests that capture output.
func NewSlogLogger(w io.Writer, level LogLevel, tz *time.Location) Logger {
	if tz == nil {
		tz = time.Local
	}
	return newWriterLogger(w, parseSlogLevel(level), tz).Module("")
}

func newWriterLogger(w io.Writer, level slog.Level, tz *time.Location) *CentralLogger {
	return &CentralLogger{
		config: &LoggingConfig{
			DefaultLevel: level.String(),
			Console:      &ConsoleOutput{Enabled: true, Level: level.String()},
		},
		timezone:      tz,
		baseHandler:   newTextHandler(w, level, tz),
		moduleWriters: make(map[string]*BufferedFileWriter),
		moduleLevels:  make(map[string]slog.Level),
	}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() Logger {
	return newWriterLogger(io.Discard, slog.LevelError, time.UTC).Module("")
}
