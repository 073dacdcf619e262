package munnel

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is a small leveled-logging facade used throughout the engine. It
// exists so that every long-lived object (Server, Agent, AgentSession,
// ServiceListener, ...) can carry its own identity in the log prefix without
// every call site having to repeat it, mirroring the prefix-forking logger
// the reverse-tunnel proxy this engine is modeled on uses internally.
type Logger interface {
	// Fork returns a new Logger that appends prefix to this Logger's own
	// prefix (joined by ": "), for use by a child component.
	Fork(prefix string, args ...interface{}) Logger

	ILogf(f string, args ...interface{})
	WLogf(f string, args ...interface{})
	ELogf(f string, args ...interface{})
	DLogf(f string, args ...interface{})

	// Errorf formats an error message, logs it at Error level, and returns
	// it as an error carrying this Logger's prefix.
	Errorf(f string, args ...interface{}) error
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogger creates a root Logger backed by logrus, logging to stderr.
func NewLogger(component string, level logrus.Level) Logger {
	l := logrus.New()
	l.SetLevel(level)
	return &logrusLogger{entry: l.WithField("component", component)}
}

func (l *logrusLogger) Fork(prefix string, args ...interface{}) Logger {
	name := fmt.Sprintf(prefix, args...)
	if parent, ok := l.entry.Data["component"].(string); ok && parent != "" {
		name = parent + ": " + name
	}
	return &logrusLogger{entry: l.entry.WithField("component", name)}
}

func (l *logrusLogger) ILogf(f string, args ...interface{}) { l.entry.Infof(f, args...) }
func (l *logrusLogger) WLogf(f string, args ...interface{}) { l.entry.Warnf(f, args...) }
func (l *logrusLogger) ELogf(f string, args ...interface{}) { l.entry.Errorf(f, args...) }
func (l *logrusLogger) DLogf(f string, args ...interface{}) { l.entry.Debugf(f, args...) }

func (l *logrusLogger) Errorf(f string, args ...interface{}) error {
	msg := fmt.Sprintf(f, args...)
	l.entry.Error(msg)
	if component, ok := l.entry.Data["component"].(string); ok && component != "" {
		return fmt.Errorf("%s: %s", component, msg)
	}
	return fmt.Errorf("%s", msg)
}
