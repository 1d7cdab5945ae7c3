package dutycycle

import "github.com/classwatch/classwatch/internal/logger"

// GetLogger returns the dutycycle package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("dutycycle")
}
