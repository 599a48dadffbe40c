// Package logger configures the process-wide structured logger.
//
// It wraps logrus with a lumberjack-backed rotating file writer so every
// package can pull a named *logrus.Entry without wiring rotation itself.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMiB  = 10
	maxBackups  = 3
	logFileName = "updater.log"
)

var base = logrus.New()

// Init points the shared logger at <logDir>/updater.log, rotating at 10MiB
// with 3 backups kept, and mirrors output to stderr. LOG_LEVEL (debug, info,
// warn, error) overrides the default info level; an unrecognized value is
// ignored.
func Init(logDir string) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, logFileName),
		MaxSize:    maxSizeMiB,
		MaxBackups: maxBackups,
		Compress:   false,
	}

	base.SetOutput(io.MultiWriter(rotator, os.Stderr))
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	base.SetLevel(levelFromEnv())
	return nil
}

func levelFromEnv() logrus.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// For returns a named entry; the name appears in the "logger" field and is
// rendered inline by the formatter via WithField chaining at call sites.
func For(name string) *logrus.Entry {
	return base.WithField("logger", name)
}
