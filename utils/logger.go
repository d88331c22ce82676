package utils

import "log"

// Logger is a thin wrapper around the standard logger with leveled prefixes.
type Logger struct{}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...interface{}) {
	log.Printf("[INFO] "+msg, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, args ...interface{}) {
	log.Printf("[WARN] "+msg, args...)
}

// Error logs an error.
func (l *Logger) Error(msg string, args ...interface{}) {
	log.Printf("[ERROR] "+msg, args...)
}

var DefaultLogger = &Logger{}
