// Package logging configures the process-wide logrus logger, matching the
// teacher's request-scoped structured-field idiom (connection/provider/
// status fields rather than formatted strings) plus rotation via
// lumberjack when a file sink is configured.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Setup.
type Options struct {
	Level    string // "debug", "info", "warn", "error"
	FilePath string // empty = stderr only
	JSON     bool
}

// Setup installs the formatter/level/output sink on the standard logger.
func Setup(opts Options) error {
	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if opts.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if opts.FilePath == "" {
		log.SetOutput(os.Stderr)
		return nil
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.FilePath,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return nil
}

// WithRequest returns a logger entry carrying the connection/provider/
// machine fields every engine log line should include, per the teacher's
// structured-logging convention.
func WithRequest(machineID, provider, connectionID string) *log.Entry {
	return log.WithFields(log.Fields{
		"machineId":    machineID,
		"provider":     provider,
		"connectionId": connectionID,
	})
}
