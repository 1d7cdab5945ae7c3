package httpserver

import "github.com/classwatch/classwatch/internal/logger"

// GetLogger returns the httpserver package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("httpserver")
}
