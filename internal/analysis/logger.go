package analysis

import "github.com/classwatch/classwatch/internal/logger"

// GetLogger returns the analysis package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("analysis")
}
