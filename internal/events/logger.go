package events

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/sirupsen/logrus"
)

// LoggerAdapter routes watermill's logging through logrus.
type LoggerAdapter struct {
	entry *logrus.Entry
}

func NewLoggerAdapter(logger *logrus.Logger) *LoggerAdapter {
	return &LoggerAdapter{entry: logrus.NewEntry(logger).WithField("component", "event-bus")}
}

var _ watermill.LoggerAdapter = (*LoggerAdapter)(nil)

func (a *LoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.entry.WithFields(logrus.Fields(fields)).WithError(err).Error(msg)
}

func (a *LoggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.entry.WithFields(logrus.Fields(fields)).Info(msg)
}

func (a *LoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.entry.WithFields(logrus.Fields(fields)).Debug(msg)
}

func (a *LoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.entry.WithFields(logrus.Fields(fields)).Trace(msg)
}

func (a *LoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &LoggerAdapter{entry: a.entry.WithFields(logrus.Fields(fields))}
}
