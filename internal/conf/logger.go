package conf

import "github.com/classwatch/classwatch/internal/logger"

// GetLogger returns the config package logger. It is fetched from the global
// logger on each call so it follows SetGlobal.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
