package model

import "github.com/classwatch/classwatch/internal/logger"

// GetLogger returns the model package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("model")
}
