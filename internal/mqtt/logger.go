package mqtt

import "github.com/classwatch/classwatch/internal/logger"

// GetLogger returns the mqtt package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("mqtt")
}
