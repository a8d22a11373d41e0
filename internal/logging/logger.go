// Package logging provides the structured logger used across the
// orchestrator, wrapping logrus the way the rest of the service fleet does.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Config controls how a Logger is constructed.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, text
	Output io.Writer
	Name   string
}

// Logger wraps a logrus.Logger with a fixed component name field.
type Logger struct {
	*logrus.Logger
	name string
}

// New builds a Logger from cfg, defaulting to info/json/stderr.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	if cfg.Output != nil {
		l.SetOutput(cfg.Output)
	} else {
		l.SetOutput(os.Stderr)
	}

	return &Logger{Logger: l, name: cfg.Name}
}

// NewDefault builds a Logger with sane defaults for components that are
// constructed without an explicit configuration (mostly in tests).
func NewDefault(name string) *Logger {
	return New(Config{Level: "info", Format: "json", Name: name})
}

// WithField returns an entry tagged with the given field plus the
// component name, mirroring logrus.Logger.WithField.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField("component", l.name).WithField(key, value)
}

// WithFields returns an entry tagged with the given fields plus the
// component name.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	e := l.Logger.WithField("component", l.name)
	return e.WithFields(fields)
}

// WithError returns an entry carrying err and the component name.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithField("component", l.name).WithError(err)
}

// Entry returns a bare entry tagged only with the component name, useful
// as a starting point for ad hoc field chains.
func (l *Logger) Entry() *logrus.Entry {
	return l.Logger.WithField("component", l.name)
}
